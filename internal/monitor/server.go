package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Handler returns the stats API:
//
//	GET /api/sessions          every tracked session
//	GET /api/sessions/{name}   one session, 404 if unknown
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.All())
	})
	mux.HandleFunc("GET /api/sessions/{name}", func(w http.ResponseWriter, req *http.Request) {
		snap, ok := r.Snapshot(req.PathValue("name"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ServerConfig configures Serve.
type ServerConfig struct {
	Addr string
	// TLS serves HTTPS with a freshly generated self-signed certificate.
	TLS bool
	Log *slog.Logger
}

// Serve runs the stats API until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, cfg ServerConfig) error {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "stats-api")

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("stats listen on %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 5 * time.Second}

	if cfg.TLS {
		cert, err := selfSigned(24*time.Hour, "localhost")
		if err != nil {
			ln.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
		ln = tls.NewListener(ln, srv.TLSConfig)
		log.Info("self-signed certificate", "fingerprint", cert.FingerprintBase64())
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info("stats API listening", "addr", ln.Addr().String(), "tls", cfg.TLS)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stats API: %w", err)
	}
	return nil
}
