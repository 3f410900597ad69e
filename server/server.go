// Package server - Observer HTTP API over a detection controller.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/controller"
	"github.com/nvr-ai/go-detect/metrics"
	"github.com/nvr-ai/go-detect/source"
)

const (
	eventBuffer       = 16
	keepaliveInterval = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// errNotFound is returned by handlers whose resource does not exist.
var errNotFound = errors.New("not found")

// Options configures a Server.
type Options struct {
	// Listen is the TCP address, for example ":8080".
	Listen  string
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server exposes a Controller over HTTP.
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Metrics
	logger  *zap.Logger
	listen  string
	mux     *goji.Mux
}

// New creates a server for ctrl. Nothing listens until Run.
func New(ctrl *controller.Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		ctrl:    ctrl,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("server"),
		listen:  opts.Listen,
		mux:     goji.NewMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc(pat.Get("/status"), s.handleStatus)
	s.mux.HandleFunc(pat.Get("/latest"), s.handleLatest)
	s.mux.HandleFunc(pat.Get("/history"), s.handleHistory)
	s.mux.HandleFunc(pat.Get("/history/:seq"), s.handleResult)
	s.mux.HandleFunc(pat.Delete("/history"), s.handleClearHistory)
	s.mux.HandleFunc(pat.Get("/stats"), s.handleStats)
	s.mux.HandleFunc(pat.Get("/export"), s.handleExport)
	s.mux.HandleFunc(pat.Get("/classes"), s.handleClasses)
	s.mux.HandleFunc(pat.Put("/classes/:id"), s.handleConfigureClass)
	s.mux.HandleFunc(pat.Post("/session/start"), s.handleStart)
	s.mux.HandleFunc(pat.Post("/session/stop"), s.handleStop)
	s.mux.HandleFunc(pat.Post("/reset"), s.handleReset)
	s.mux.HandleFunc(pat.Get("/events"), s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle(pat.Get("/metrics"), s.metrics.Handler())
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// Arguments:
//   - ctx: Cancelling it stops the server.
//
// Returns:
//   - error: An error if the listener fails; nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.listen)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("observer API listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("observer API stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	r, ok := s.ctrl.Latest()
	if !ok {
		s.writeError(w, errors.Wrap(errNotFound, "no results yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.History())
}

func (s *Server) handleResult(w http.ResponseWriter, req *http.Request) {
	seq, err := strconv.ParseUint(pat.Param(req, "seq"), 10, 64)
	if err != nil {
		s.writeError(w, badRequest(errors.Wrap(err, "seq")))
		return
	}
	r, ok := s.ctrl.Result(seq)
	if !ok {
		s.writeError(w, errors.Wrapf(errNotFound, "result %d", seq))
		return
	}
	s.writeJSON(w, http.StatusOK, r)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	data, err := s.ctrl.ExportJSON()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="detections.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleClasses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Classes())
}

func (s *Server) handleConfigureClass(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.Atoi(pat.Param(req, "id"))
	if err != nil {
		s.writeError(w, badRequest(errors.Wrap(err, "class id")))
		return
	}
	var u classes.Update
	if err := decode(req, &u); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.ConfigureClass(id, u); err != nil {
		s.writeError(w, err)
		return
	}
	for _, c := range s.ctrl.Classes() {
		if c.ID == id {
			s.writeJSON(w, http.StatusOK, c)
			return
		}
	}
	s.writeError(w, errors.Wrapf(classes.ErrUnknownClass, "class %d", id))
}

// startRequest selects the input of a new session.
type startRequest struct {
	Kind     string `json:"kind"`
	DeviceID int    `json:"device_id"`
	Path     string `json:"path"`
}

func (s *Server) handleStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := decode(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	in, err := source.Parse(body.Kind, body.DeviceID, body.Path)
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	if err := s.ctrl.Start(req.Context(), in); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.writeError(w, errors.Wrap(err, "stopping session"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ResetConfiguration()
	s.writeJSON(w, http.StatusOK, s.ctrl.Classes())
}

// handleEvents streams every published result as a server-sent event until the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	results, cancel := s.ctrl.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			data, err := json.Marshal(r)
			if err != nil {
				s.logger.Error("encoding event", zap.Uint64("seq", r.Seq), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: result\ndata: %s\n\n", r.Seq, data); err != nil {
				s.logger.Debug("event client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// requestError marks a malformed request.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(errors.Wrap(err, "decoding body"))
	}
	return nil
}

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	var (
		reqErr  *requestError
		openErr *source.OpenError
	)
	switch {
	case errors.As(err, &reqErr), errors.Is(err, classes.ErrThresholdOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound), errors.Is(err, classes.ErrUnknownClass):
		return http.StatusNotFound
	case errors.As(err, &openErr), errors.Is(err, controller.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}
