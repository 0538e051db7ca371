// Package main provides the entry point for the engram daemon: an HTTP
// front door that takes one method name per route and forwards the
// request body as RPC params onto the facade's Bus.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/engramdb/engram/internal/facade"
	"github.com/engramdb/engram/internal/rpc"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Msg("Starting engramd")

	dbPath := os.Getenv("ENGRAM_DB_PATH")
	if dbPath == "" {
		dbPath = "./engram.db"
	}

	f, err := facade.Open(facade.Config{
		Path:     dbPath,
		CacheDir: filepath.Join(filepath.Dir(dbPath), ".engram-cache"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open facade")
	}

	srv := &http.Server{
		Addr:    addr(),
		Handler: router(f),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	if err := f.Close(); err != nil {
		log.Error().Err(err).Msg("Facade close error")
	}

	log.Info().Msg("engramd shutdown complete")
}

func addr() string {
	if a := os.Getenv("ENGRAM_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

// router exposes every RPC method as a POST route under /rpc/{method},
// plus a health check and the swagger UI for the generated spec.
func router(f *facade.Facade) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Post("/rpc/{method}", func(w http.ResponseWriter, r *http.Request) {
		method := chi.URLParam(r, "method")

		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil && err.Error() != "EOF" {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := f.Bus().Call(r.Context(), rpc.Request{Method: method, Params: raw})
		w.Header().Set("Content-Type", "application/json")
		if resp.Error != nil {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	return r
}
