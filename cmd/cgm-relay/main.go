// Command cgm-relay serves the realtime socket and status endpoints over the
// configured store.
package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/boot"
	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/internal/logctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// realtime and status wrap the handler with logctx themselves.
	lh := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})
	log := slog.New(logctx.Handler{Handler: lh})

	env, err := config.Load()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bc, err := boot.Boot(ctx, env, env.Language, boot.WithLogHandler(lh), boot.WithMetrics(reg))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer bc.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if bc.HasBootErrors() {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boot errors", http.StatusServiceUnavailable)
		})
		mux.Handle("/", bootErrorPage(bc.BootErrors))
	} else {
		gw, err := bc.Gateway()
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		defer gw.Close()

		st := bc.StatusHandler()
		mux.Handle("/socket", gw)
		mux.Handle("/api/v1/status", st)
		mux.Handle("/api/v1/status.json", st)
		mux.Handle("GET /api/v2/authorization/request/{accessToken}", bc.Authorization.TokenHandler(auth.DefaultTokenTTL))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		bc.Start()
	}

	srv := &http.Server{
		Addr:              env.Listen,
		Handler:           withRequestData(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", env.Listen), slog.Bool("degraded", bc.HasBootErrors()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func withRequestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bootErrorPage(errs []boot.BootError) http.Handler {
	var b strings.Builder
	b.WriteString("<h1>Startup errors</h1><ul>")
	for _, e := range errs {
		fmt.Fprintf(&b, "<li><b>%s</b>", html.EscapeString(e.Desc))
		if e.Err != nil {
			fmt.Fprintf(&b, ": %s", html.EscapeString(e.Err.Error()))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
	page := b.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(page))
	})
}

func logLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return l
}
