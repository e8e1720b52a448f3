package query

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

const (
	defaultWaitTimeout = 5 * time.Second
	maxWaitTimeout     = time.Minute

	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

type ServerConfig struct {
	Addr string
	// WaitTimeout applies when a request names pipelines to wait for but no
	// timeout.
	WaitTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes the Reader over HTTP together with health, metrics and a
// websocket feed of watermark changes.
type Server struct {
	reader   *Reader
	cfg      ServerConfig
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewServer(reader *Reader, cfg ServerConfig, gatherer prometheus.Gatherer, log *logrus.Entry) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		reader:   reader,
		cfg:      cfg,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.WithField("component", "query"),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/epochs/{epoch:[0-9]+}", s.handleEpoch).Methods(http.MethodGet)
	r.HandleFunc("/epochs/{epoch:[0-9]+}/safe_mode", s.handleSafeMode).Methods(http.MethodGet)
	r.HandleFunc("/epochs/{epoch:[0-9]+}/live_object_set_digest", s.handleDigest).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints/{seq:[0-9]+}", s.handleCheckpoint).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints/{seq:[0-9]+}/commitment", s.handleCommitment).Methods(http.MethodGet)
	r.HandleFunc("/genesis", s.handleGenesis).Methods(http.MethodGet)
	r.HandleFunc("/watermarks", s.handleWatermarks).Methods(http.MethodGet)
	r.HandleFunc("/watermarks/stream", s.handleStream)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("query server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "query server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down query server")
	}
	return nil
}

// waitFor honours the wait_for, checkpoint and timeout query parameters. A
// request without wait_for reads whatever is committed. With a nil
// defaultSeq the checkpoint parameter is required alongside wait_for, since
// an epoch number says nothing about which checkpoint closes it.
func (s *Server) waitFor(r *http.Request, defaultSeq *uint64) error {
	q := r.URL.Query()
	raw := q.Get("wait_for")
	if raw == "" {
		return nil
	}
	var pipelines []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pipelines = append(pipelines, p)
		}
	}

	var seq uint64
	switch v := q.Get("checkpoint"); {
	case v != "":
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return badRequest(errors.Wrap(err, "checkpoint"))
		}
		seq = n
	case defaultSeq != nil:
		seq = *defaultSeq
	default:
		return badRequest(errors.New("wait_for needs a checkpoint parameter on this route"))
	}

	timeout := s.cfg.WaitTimeout
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return badRequest(errors.Errorf("invalid timeout %q", v))
		}
		if d > maxWaitTimeout {
			d = maxWaitTimeout
		}
		timeout = d
	}

	return s.reader.WaitFor(r.Context(), pipelines, seq, timeout)
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	n, ok := s.pathUint(w, r, "epoch")
	if !ok {
		return
	}
	s.respond(w, r, func() (interface{}, error) {
		if err := s.waitFor(r, nil); err != nil {
			return nil, err
		}
		return s.reader.Epoch(r.Context(), n)
	})
}

func (s *Server) handleSafeMode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.pathUint(w, r, "epoch")
	if !ok {
		return
	}
	s.respond(w, r, func() (interface{}, error) {
		if err := s.waitFor(r, nil); err != nil {
			return nil, err
		}
		e, err := s.reader.Epoch(r.Context(), n)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"epoch":       n,
			"enabled":     e.SafeMode.Enabled,
			"gas_summary": e.GasSummary,
		}, nil
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	n, ok := s.pathUint(w, r, "epoch")
	if !ok {
		return
	}
	s.respond(w, r, func() (interface{}, error) {
		if err := s.waitFor(r, nil); err != nil {
			return nil, err
		}
		d, err := s.reader.LiveObjectSetDigest(r.Context(), n)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"epoch": n, "digest": d}, nil
	})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.pathUint(w, r, "seq")
	if !ok {
		return
	}
	s.respond(w, r, func() (interface{}, error) {
		if err := s.waitFor(r, &seq); err != nil {
			return nil, err
		}
		return s.reader.Checkpoint(r.Context(), seq)
	})
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.pathUint(w, r, "seq")
	if !ok {
		return
	}
	s.respond(w, r, func() (interface{}, error) {
		if err := s.waitFor(r, &seq); err != nil {
			return nil, err
		}
		return s.reader.Commitment(r.Context(), seq)
	})
}

func (s *Server) handleGenesis(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		return s.reader.Genesis(r.Context())
	})
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reader.Watermarks())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.reader.Watermarks()
	var stalled []string
	for _, st := range statuses {
		if st.Stalled {
			stalled = append(stalled, st.Pipeline)
		}
	}
	code := http.StatusOK
	status := "ok"
	if len(stalled) > 0 {
		code = http.StatusServiceUnavailable
		status = "stalled"
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"stalled":   stalled,
		"pipelines": statuses,
	})
}

// handleStream pushes the full watermark snapshot on connect and after every
// change until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read pump only watches for close frames and pong replies.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	changed := s.reader.coord.Changed()
	send := true
	for {
		if send {
			changed = s.reader.coord.Changed()
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(s.reader.Watermarks()); err != nil {
				s.log.WithError(err).Debug("watermark stream closed")
				return
			}
		}

		select {
		case <-changed:
			send = true
		case <-ping.C:
			send = false
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func (s *Server) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil {
		s.writeError(w, badRequest(errors.Wrap(err, name)))
		return 0, false
	}
	return n, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, fn func() (interface{}, error)) {
	v, err := fn()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

// writeError separates "not yet indexed" (retry later) from "will never be
// indexed" (fix the request).
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		code    int
		reqErr  *requestError
		timeout *watermark.TimeoutError
		body    = map[string]interface{}{"error": err.Error()}
	)
	switch {
	case errors.As(err, &reqErr):
		code = http.StatusBadRequest
	case errors.As(err, &timeout):
		code = http.StatusServiceUnavailable
		body["reason"] = "not yet indexed"
		if stalled := timeout.Stalled(); len(stalled) > 0 {
			body["stalled"] = stalled
		}
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, watermark.ErrUnknownPipeline):
		code = http.StatusUnprocessableEntity
		body["reason"] = "will never be indexed"
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
		s.log.WithError(err).Error("query failed")
	}
	s.writeJSON(w, code, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("writing response")
	}
}
