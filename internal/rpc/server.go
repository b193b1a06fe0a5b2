package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/roach88/lamportbank/internal/branch"
)

// Service is everything a branch serves: the customer and peer surfaces.
// *branch.Replica implements it.
type Service interface {
	branch.Teller
	branch.Peer
}

type handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler returns the HTTP handler serving svc.
func NewHandler(svc Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathPrefix+"{method}", h.serve)
	return mux
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.write(w, http.StatusBadRequest, envelope{Code: CodeBadRequest, Message: fmt.Sprintf("read body: %v", err)})
		return
	}

	var (
		env  envelope
		derr error
	)
	switch method {
	case MethodQuery:
		env, derr = callTeller(r.Context(), body, h.svc.Query)
	case MethodDeposit:
		env, derr = callTeller(r.Context(), body, h.svc.Deposit)
	case MethodWithdraw:
		env, derr = callTeller(r.Context(), body, h.svc.Withdraw)
	case MethodPropagateDeposit:
		env, derr = callPeer(r.Context(), body, h.svc.PropagateDeposit)
	case MethodPropagateWithdraw:
		env, derr = callPeer(r.Context(), body, h.svc.PropagateWithdraw)
	default:
		err := fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		h.write(w, http.StatusNotFound, failure(0, err))
		return
	}
	if derr != nil {
		h.logger.Debug("bad request", "method", method, "error", derr)
		h.write(w, http.StatusBadRequest, envelope{Code: CodeBadRequest, Message: derr.Error()})
		return
	}

	h.write(w, http.StatusOK, env)
}

func (h *handler) write(w http.ResponseWriter, status int, env envelope) {
	body, err := marshal(env)
	if err != nil {
		h.logger.Error("encode reply", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("write reply", "error", err)
	}
}

// callTeller decodes a customer request and runs call. The returned error is
// a decode error only; service errors are folded into the envelope.
func callTeller[Req any](ctx context.Context, body []byte, call func(context.Context, Req) (branch.Reply, error)) (envelope, error) {
	var req Req
	if err := unmarshal(body, &req); err != nil {
		return envelope{}, err
	}
	reply, err := call(ctx, req)
	if err != nil {
		return failure(reply.Balance, err), nil
	}
	return envelope{Balance: reply.Balance, Success: reply.Success}, nil
}

// callPeer is callTeller for the peer surface.
func callPeer(ctx context.Context, body []byte, call func(context.Context, branch.PropagateRequest) (branch.Ack, error)) (envelope, error) {
	var req branch.PropagateRequest
	if err := unmarshal(body, &req); err != nil {
		return envelope{}, err
	}
	ack, err := call(ctx, req)
	if err != nil {
		return failure(0, err), nil
	}
	return envelope{Success: ack.Success}, nil
}

// Server serves one branch on one listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and prepares to serve svc. A bind failure is returned
// immediately; it is the only fatal error of a branch.
func Listen(addr string, svc Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &Server{
		srv:    &http.Server{Handler: NewHandler(svc, logger)},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		err := s.srv.Serve(s.ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "addr", s.Addr(), "error", err)
		}
	}()
	s.logger.Info("server started", "addr", s.Addr())
}

// Shutdown stops accepting calls and waits for in-flight calls until ctx ends.
// Calls still running when ctx ends are abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("shutdown grace expired", "addr", s.Addr())
		return s.srv.Close()
	}
	return err
}
