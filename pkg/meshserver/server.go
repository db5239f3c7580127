// Package meshserver is the HTTP endpoint a fabric node exposes to its
// peers: health, single execution, and batch execution, re-entering the
// Executor with planning disabled.
package meshserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/executor"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/signer"
)

// Options configure the node server.
type Options struct {
	Addr          string
	NodeID        string
	MaxBodySize   int64
	ShutdownGrace time.Duration
	Development   bool
}

// Server handles mesh traffic for one node.
type Server struct {
	exec     *executor.Executor
	signer   *signer.Signer
	opts     Options
	logger   *slog.Logger
	started  time.Time
	requests atomic.Int64
	httpSrv  *http.Server
}

// New creates a Server. The executor must be constructed in node mode so
// nested invocations do not re-plan.
func New(exec *executor.Executor, sg *signer.Signer, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 10 << 20
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exec:   exec,
		signer: sg,
		opts:   opts,
		logger: logger.With("component", "meshserver", "node", opts.NodeID),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /execute/batch", s.handleExecuteBatch)
	return mux
}

// ListenAndServe runs the server until SIGINT/SIGTERM, then drains
// in-flight requests and force-exits after the grace window.
func (s *Server) ListenAndServe() error {
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mesh node listening", "addr", s.opts.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("forced shutdown after grace window", "error", err)
			return s.httpSrv.Close()
		}
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	NodeID   string `json:"nodeId,omitempty"`
	UptimeMs int64  `json:"uptimeMs"`
	Requests int64  `json:"requests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		NodeID:   s.opts.NodeID,
		UptimeMs: time.Since(s.started).Milliseconds(),
		Requests: s.requests.Load(),
	})
}

// readBody enforces the request body cap and verifies the mesh signature.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *fault.Error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.Newf(fault.CodePayloadTooLarge, "request body exceeds %d bytes", s.opts.MaxBodySize)
		}
		return nil, fault.Wrap(err, fault.CodeInternal)
	}
	if verr := s.signer.Verify(body, r.Header.Get(signer.SignatureHeader), r.Header.Get(signer.TimestampHeader)); verr != nil {
		return nil, fault.Wrap(verr, fault.CodeInvalidSignature)
	}
	return body, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	body, ferr := s.readBody(w, r)
	if ferr != nil {
		s.writeError(w, ferr)
		return
	}
	var payload contracts.MeshPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, fault.Wrap(err, fault.CodeInternal))
		return
	}

	frame := payload.Frame
	result, err := s.exec.Execute(r.Context(), payload.Fn, payload.Input, executor.Options{
		Identity:   payload.Identity,
		TraceID:    payload.TraceID,
		Frame:      &frame,
		ForceLocal: true,
	})
	if err != nil {
		s.writeError(w, fault.Wrap(err, fault.CodeExecutionError))
		return
	}

	wire := contracts.WireResult{
		Data:    result.Value,
		Outcome: result.Outcome,
		Cached:  result.Cached,
		TraceID: result.TraceID,
	}
	if s.opts.Development {
		wire.Trace = result.Trace
	}
	writeJSON(w, http.StatusOK, wire)
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	body, ferr := s.readBody(w, r)
	if ferr != nil {
		s.writeError(w, ferr)
		return
	}
	var batch contracts.BatchPayload
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeError(w, fault.Wrap(err, fault.CodeInternal))
		return
	}

	// Each call executes concurrently; results return in input order with
	// per-call outcomes.
	type slot struct {
		idx  int
		data json.RawMessage
	}
	results := make([]json.RawMessage, len(batch.Calls))
	done := make(chan slot, len(batch.Calls))
	for i, call := range batch.Calls {
		go func(i int, call contracts.Call) {
			frame := batch.Frame
			res, err := s.exec.Execute(r.Context(), call.Fn, call.Input, executor.Options{
				Identity:   batch.Identity,
				TraceID:    batch.TraceID,
				Frame:      &frame,
				ForceLocal: true,
			})
			var encoded []byte
			if err != nil {
				fe := fault.Wrap(err, fault.CodeExecutionError)
				encoded, _ = json.Marshal(fe.Wire())
			} else {
				wire := contracts.WireResult{
					Data:    res.Value,
					Outcome: res.Outcome,
					Cached:  res.Cached,
					TraceID: res.TraceID,
				}
				if s.opts.Development {
					wire.Trace = res.Trace
				}
				encoded, _ = json.Marshal(wire)
			}
			done <- slot{idx: i, data: encoded}
		}(i, call)
	}
	for range batch.Calls {
		out := <-done
		results[out.idx] = out.data
	}

	writeJSON(w, http.StatusOK, contracts.BatchResponse{Results: results})
}

// writeError maps fault codes onto HTTP statuses and writes the wire
// envelope.
func (s *Server) writeError(w http.ResponseWriter, fe *fault.Error) {
	status := http.StatusInternalServerError
	switch fe.Code {
	case fault.CodeUnauthorized, fault.CodeInvalidSignature:
		status = http.StatusUnauthorized
	case fault.CodeForbidden, fault.CodeAccessDenied:
		status = http.StatusForbidden
	case fault.CodeFunctionNotFound:
		status = http.StatusNotFound
	case fault.CodeRateLimited, fault.CodeTenantQuotaExceeded:
		status = http.StatusTooManyRequests
	case fault.CodePayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case fault.CodeExecutionTimeout:
		status = http.StatusGatewayTimeout
	case fault.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, fe.Wire())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
