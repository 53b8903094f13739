package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes    = 4 << 20
	shutdownTimeout = 5 * time.Second
)

// Server is the HTTP front door for a Receiver. Besides the event path it
// serves /health, /status and /metrics. With a nil Receiver only the
// auxiliary routes are mounted.
type Server struct {
	Addr     string
	Path     string
	Receiver *Receiver

	// Status feeds GET /status as JSON; nil serves 404.
	Status func() any
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler

	// Listener, when set, is served instead of listening on Addr.
	Listener net.Listener

	Log logrus.FieldLogger
}

// Handler builds the router. Run uses it; tests can mount it directly.
func (s *Server) Handler() http.Handler {
	path := s.Path
	if path == "" {
		path = "/webhook/event"
	}

	r := mux.NewRouter()
	if s.Receiver != nil {
		r.HandleFunc(path, s.handleEvent).Methods(http.MethodPost)
	}
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	if s.Status != nil {
		r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	}
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods(http.MethodGet)
	}
	return r
}

// Run listens on Addr and serves until ctx is cancelled, then shuts down
// gracefully. It returns only after in-flight requests have finished or the
// shutdown timeout has passed.
func (s *Server) Run(ctx context.Context) error {
	log := s.logger()

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln := s.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.Addr); err != nil {
			return fmt.Errorf("webhook listen: %w", err)
		}
	}
	log.WithField("addr", ln.Addr().String()).Info("webhook server listening")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("webhook shutdown")
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook serve: %w", err)
	}
	// Serve returns as soon as Shutdown starts; wait for the drain.
	<-shutdownDone
	return nil
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "read error"})
		return
	}
	resp := s.Receiver.Handle(r.Context(), r.Header, body)
	writeJSON(w, resp.Status, resp.Body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handleHealth returns 200 OK, used by the CLI status command.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}
