package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/internal/logctx"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	textMediaType  = contenttype.NewMediaType("text/plain")
	htmlMediaType  = contenttype.NewMediaType("text/html")
	offeredTypes   = []contenttype.MediaType{jsonMediaType, textMediaType, htmlMediaType}
	statusJSONPath = "/api/v1/status.json"
)

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogHandler sets the slog handler.
func WithLogHandler(lh slog.Handler) Option {
	return func(h *Handler) { h.log = slog.New(logctx.Handler{Handler: lh}) }
}

// Handler serves GET /api/v1/status and /api/v1/status.json.
type Handler struct {
	env     *config.Env
	holder  *ddata.Holder
	plugins ExtendedSettingsSource
	now     func() time.Time
	log     *slog.Logger
}

// NewHandler returns a status handler over the current snapshot in holder.
func NewHandler(env *config.Env, holder *ddata.Holder, plugins ExtendedSettingsSource, opts ...Option) *Handler {
	h := &Handler{
		env:     env,
		holder:  holder,
		plugins: plugins,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Info builds the current status block.
func (h *Handler) Info() Info {
	var snap *ddata.Snapshot
	if h.holder != nil {
		snap = h.holder.Load()
	}
	return Build(h.env, snap, h.plugins, h.now())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	mt := jsonMediaType
	if r.URL.Path != statusJSONPath {
		accepted, _, err := contenttype.GetAcceptableMediaType(r, offeredTypes)
		if err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			h.log.InfoContext(ctx, "status.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
			return
		}
		mt = accepted
	}

	info := h.Info()
	switch {
	case mt.Matches(jsonMediaType):
		w.Header().Set("Content-Type", jsonMediaType.String())
		if err := json.NewEncoder(w).Encode(info); err != nil {
			h.log.WarnContext(ctx, "status.write.fail", slog.String("err", err.Error()))
		}
	case mt.Matches(htmlMediaType):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<h1>STATUS OK</h1>")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprint(w, "STATUS OK")
	}
	h.log.DebugContext(ctx, "status.ok", slog.String("type", mt.String()))
}
