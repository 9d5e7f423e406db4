// Package redis provides a Redis-backed implementation of storage.Store.
//
// Each collection is a hash of _id -> JSON document plus a sorted set of
// _id scored by document time, which serves time-window queries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisURL like "redis://localhost:6379/0". ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	// KeyPrefix for all keys. ENV: STORAGE_KEY_PREFIX
	KeyPrefix string `env:"STORAGE_KEY_PREFIX,default=cgm:"`
}

// Store implements storage.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	raw := cfg.RedisURL
	if raw == "" {
		raw = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	cl := redis.NewClient(opts)
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cgm:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Open satisfies storage.Opener for redis:// and rediss:// URIs. A
// "prefix" query parameter overrides the key prefix.
func Open(ctx context.Context, u *url.URL) (storage.Store, error) {
	cfg := Config{RedisURL: u.String()}
	q := u.Query()
	if p := q.Get("prefix"); p != "" {
		cfg.KeyPrefix = p
		q.Del("prefix")
		uu := *u
		uu.RawQuery = q.Encode()
		cfg.RedisURL = uu.String()
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) docsKey(name string) string    { return s.keyPrefix + "docs:" + name }
func (s *Store) timeKey(name string) string    { return s.keyPrefix + "time:" + name }
func (s *Store) indexesKey(name string) string { return s.keyPrefix + "indexes:" + name }

// Collection returns the named collection.
func (s *Store) Collection(name string) storage.Collection {
	return &collection{s: s, name: name}
}

// EnsureIndexes records the declared fields in a set. Time-window queries
// are always served by the per-collection sorted set.
func (s *Store) EnsureIndexes(ctx context.Context, name string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	members := make([]any, len(fields))
	for i, f := range fields {
		members[i] = f
	}
	return s.client.SAdd(ctx, s.indexesKey(name), members...).Err()
}

type collection struct {
	s    *Store
	name string
}

func (c *collection) Find(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	var raw []string
	if q.From != nil || q.To != nil {
		lo, hi := "-inf", "+inf"
		if q.From != nil {
			lo = fmt.Sprint(q.From.UnixMilli())
		}
		if q.To != nil {
			hi = fmt.Sprint(q.To.UnixMilli())
		}
		ids, err := c.s.client.ZRangeByScore(ctx, c.s.timeKey(c.name), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []storage.Document{}, nil
		}
		vals, err := c.s.client.HMGet(ctx, c.s.docsKey(c.name), ids...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if str, ok := v.(string); ok {
				raw = append(raw, str)
			}
		}
	} else {
		all, err := c.s.client.HGetAll(ctx, c.s.docsKey(c.name)).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range all {
			raw = append(raw, v)
		}
	}

	docs := make([]storage.Document, 0, len(raw))
	for _, r := range raw {
		d, err := decode(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return storage.Apply(q, docs), nil
}

func (c *collection) Insert(ctx context.Context, doc storage.Document) (storage.Document, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = storage.Document{}
	}
	if stored.ID() == "" {
		stored[storage.IDField] = storage.NewID()
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidDocument, err)
	}
	_, err = c.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.s.docsKey(c.name), stored.ID(), b)
		p.ZAdd(ctx, c.s.timeKey(c.name), redis.Z{Score: float64(stored.Mills()), Member: stored.ID()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *collection) Update(ctx context.Context, id string, u storage.Update) (bool, error) {
	docsKey := c.s.docsKey(c.name)
	matched := false
	err := c.s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, docsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		d, err := decode(cur)
		if err != nil {
			return err
		}
		next := u.Apply(d)
		b, err := json.Marshal(next)
		if err != nil {
			return errors.Join(storage.ErrInvalidDocument, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, docsKey, id, b)
			p.ZAdd(ctx, c.s.timeKey(c.name), redis.Z{Score: float64(next.Mills()), Member: id})
			return nil
		})
		if err == nil {
			matched = true
		}
		return err
	}, docsKey)
	if err != nil {
		return false, err
	}
	return matched, nil
}

func (c *collection) Remove(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := c.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, c.s.docsKey(c.name), id)
		p.ZRem(ctx, c.s.timeKey(c.name), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func decode(raw string) (storage.Document, error) {
	var d storage.Document
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return d, nil
}

var _ storage.Store = (*Store)(nil)
