package auth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/cgm-relay-go/storage"
)

// Role is a named permission set.
type Role struct {
	ID          string   `json:"_id,omitempty"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Notes       string   `json:"notes,omitempty"`
}

// Subject is a named holder of roles, addressed by its access token.
type Subject struct {
	ID          string   `json:"_id"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	Notes       string   `json:"notes,omitempty"`
	AccessToken string   `json:"accessToken"`
}

// DefaultRoles are always available. Stored roles with the same name
// replace them.
func DefaultRoles() []Role {
	return []Role{
		{Name: "admin", Permissions: []string{"*"}},
		{Name: "denied", Permissions: []string{}},
		{Name: "status-only", Permissions: []string{"api:status:read"}},
		{Name: "readable", Permissions: []string{"*:*:read"}},
		{Name: "careportal", Permissions: []string{"api:treatments:create"}},
		{Name: "devicestatus-upload", Permissions: []string{"api:devicestatus:create"}},
		{Name: "activity", Permissions: []string{"api:activity:create"}},
	}
}

// Storage holds roles and subjects loaded from their collections.
type Storage struct {
	store         storage.Store
	rolesName     string
	subjectsName  string
	secretHash    string
	afterReload   func()
	mu            sync.RWMutex
	roles         map[string]Role
	subjects      []Subject
	byAccessToken map[string]Subject
}

func newStorage(store storage.Store, rolesName, subjectsName, secretHash string) *Storage {
	s := &Storage{
		store:        store,
		rolesName:    rolesName,
		subjectsName: subjectsName,
		secretHash:   secretHash,
	}
	s.install(nil, nil)
	return s
}

// Reload replaces the in-memory roles and subjects with the stored ones.
func (s *Storage) Reload(ctx context.Context) error {
	roleDocs, err := s.store.Collection(s.rolesName).Find(ctx, storage.Query{})
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	subjectDocs, err := s.store.Collection(s.subjectsName).Find(ctx, storage.Query{})
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}

	roles := make([]Role, 0, len(roleDocs))
	for _, d := range roleDocs {
		if d.String("name") == "" {
			continue
		}
		roles = append(roles, Role{
			ID:          d.ID(),
			Name:        d.String("name"),
			Permissions: stringList(d["permissions"]),
			Notes:       d.String("notes"),
		})
	}
	subjects := make([]Subject, 0, len(subjectDocs))
	for _, d := range subjectDocs {
		if d.ID() == "" || d.String("name") == "" {
			continue
		}
		subjects = append(subjects, Subject{
			ID:    d.ID(),
			Name:  d.String("name"),
			Roles: stringList(d["roles"]),
			Notes: d.String("notes"),
		})
	}
	s.install(roles, subjects)
	if s.afterReload != nil {
		s.afterReload()
	}
	return nil
}

func (s *Storage) install(stored []Role, subjects []Subject) {
	roles := make(map[string]Role)
	for _, r := range DefaultRoles() {
		roles[r.Name] = r
	}
	for _, r := range stored {
		roles[r.Name] = r
	}
	byToken := make(map[string]Subject, len(subjects))
	for i := range subjects {
		subjects[i].AccessToken = AccessToken(subjects[i].Name, subjects[i].ID, s.secretHash)
		byToken[subjects[i].AccessToken] = subjects[i]
	}
	s.mu.Lock()
	s.roles = roles
	s.subjects = subjects
	s.byAccessToken = byToken
	s.mu.Unlock()
}

// Roles returns all known roles sorted by name.
func (s *Storage) Roles() []Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subjects returns the loaded subjects.
func (s *Storage) Subjects() []Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Subject(nil), s.subjects...)
}

// SubjectByAccessToken looks up a subject.
func (s *Storage) SubjectByAccessToken(token string) (Subject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byAccessToken[token]
	return sub, ok
}

// Permissions returns the union of the named roles' permissions. Unknown
// roles contribute nothing.
func (s *Storage) Permissions(roles []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	for _, name := range roles {
		r, ok := s.roles[name]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// CreateRole stores a role and reloads.
func (s *Storage) CreateRole(ctx context.Context, r Role) (Role, error) {
	doc, err := s.store.Collection(s.rolesName).Insert(ctx, storage.Document{
		"name":        r.Name,
		"permissions": toAnyList(r.Permissions),
		"notes":       r.Notes,
	})
	if err != nil {
		return Role{}, fmt.Errorf("create role: %w", err)
	}
	r.ID = doc.ID()
	return r, s.Reload(ctx)
}

// CreateSubject stores a subject, reloads and returns it with its access
// token.
func (s *Storage) CreateSubject(ctx context.Context, name string, roles []string) (Subject, error) {
	doc, err := s.store.Collection(s.subjectsName).Insert(ctx, storage.Document{
		"name":  name,
		"roles": toAnyList(roles),
	})
	if err != nil {
		return Subject{}, fmt.Errorf("create subject: %w", err)
	}
	if err := s.Reload(ctx); err != nil {
		return Subject{}, err
	}
	return Subject{
		ID:          doc.ID(),
		Name:        name,
		Roles:       append([]string(nil), roles...),
		AccessToken: AccessToken(name, doc.ID(), s.secretHash),
	}, nil
}

var nonWord = regexp.MustCompile(`[^a-z0-9]`)

// AccessToken derives the token for a subject: an abbreviation of the name
// followed by 16 hex digits bound to the subject id and the API secret.
func AccessToken(name, id, secretHash string) string {
	abbrev := nonWord.ReplaceAllString(strings.ToLower(name), "")
	if len(abbrev) > 10 {
		abbrev = abbrev[:10]
	}
	sum := sha1.Sum([]byte(secretHash + id))
	return abbrev + "-" + hex.EncodeToString(sum[:])[:16]
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(vv)
	}
	return nil
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
