// Package server exposes a target over HTTP the way a vulnerable web
// application would: it hands out encrypted tokens and, when checking one,
// answers differently for bad padding than for anything else.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mario-areias/pythia/codec"
	"github.com/mario-areias/pythia/pkcs7"
	"github.com/mario-areias/pythia/target"
)

const TokenCookie = "token"

type Server struct {
	target *target.Target
	codec  codec.Codec
	log    *slog.Logger
	router *mux.Router
}

func New(t *target.Target, c codec.Codec, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		target: t,
		codec:  c,
		log:    log.With("component", "server"),
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/encrypt", s.handleEncrypt).Methods("GET")
	s.router.HandleFunc("/check", s.handleCheck).Methods("GET", "POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("server started", "addr", listener.Addr().String(), "encoding", s.codec.Name(), "blockSize", s.target.BlockSize())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	s.log.Info("server shutting down")
	return nil
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	token, err := s.target.Encrypt([]byte(r.URL.Query().Get("data")))
	if err != nil {
		s.log.Error("encrypt", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.codec.Encode(token))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	raw := r.FormValue("token")
	if raw == "" {
		if c, err := r.Cookie(TokenCookie); err == nil {
			raw = c.Value
		}
	}

	token, err := s.codec.Decode(raw)
	if err != nil {
		http.Error(w, "bad token encoding", http.StatusBadRequest)
		return
	}

	_, err = s.target.Decrypt(token)
	switch {
	case err == nil:
		// The plaintext is never shown, only that the token was accepted.
		s.log.Debug("token accepted")
		fmt.Fprintln(w, "ok")
	case errors.Is(err, pkcs7.ErrInvalidPadding):
		s.log.Debug("token rejected", "error", err)
		http.Error(w, "padding error", http.StatusInternalServerError)
	default:
		http.Error(w, "bad token", http.StatusBadRequest)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintln(w, "ok")
}
