// Package rpc implements the in-process RPC Transport (C1): a typed call
// bus with unique request ids, a per-call timeout, and a rolling
// concurrency cap. Grounded in the teacher's mcp/server.go JSON-RPC
// Request/Response/Error shape (adapted from stdin/stdout framing to an
// in-process dispatcher) and worker/ratelimit.go's token-bucket limiter,
// generalized into a semaphore-based concurrency cap (spec §5 wants a
// bounded number of concurrent in-flight calls, not a rate per second).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/engramdb/engram/internal/errs"
)

// Request mirrors the teacher's JSON-RPC envelope, generalized to an
// in-process call (spec §6's RPC method set travels through this shape).
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response mirrors the teacher's JSON-RPC response envelope.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error mirrors the teacher's JSON-RPC error shape, generalized to carry
// the engine's own taxonomy code instead of the JSON-RPC -32xxx space.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler processes one method call's raw params and returns a result or
// error. The Facade (C13) registers one Handler per method name.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Config bounds the transport's behavior (spec §5).
type Config struct {
	Concurrency int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{Concurrency: 10, Timeout: 30 * time.Second}
}

// Bus dispatches named method calls through a concurrency-bounded,
// per-call-timeout envelope, assigning each call a unique id.
type Bus struct {
	handlers map[string]Handler
	sem      chan struct{}
	timeout  time.Duration

	calls, errors, timeouts int64
}

func NewBus(cfg Config) *Bus {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Bus{
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, cfg.Concurrency),
		timeout:  cfg.Timeout,
	}
}

// Register associates a method name with its Handler.
func (b *Bus) Register(method string, h Handler) {
	b.handlers[method] = h
}

// Call dispatches one request: assigns an id if absent, enforces the
// concurrency cap via a buffered semaphore, applies the per-call timeout,
// and routes unknown methods to an RPC/unknown-method error (spec §4.14).
func (b *Bus) Call(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	handler, ok := b.handlers[req.Method]
	if !ok {
		atomic.AddInt64(&b.errors, 1)
		return errorResponse(req.ID, errs.New(errs.RPC, errs.SubUnknownMethod, errs.SeverityLow, false,
			fmt.Sprintf("unknown method %q", req.Method), map[string]any{"method": req.Method}))
	}

	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		atomic.AddInt64(&b.timeouts, 1)
		return errorResponse(req.ID, errs.New(errs.RPC, errs.SubTimeout, errs.SeverityMedium, true,
			"concurrency cap exceeded and caller's context expired before a slot freed", nil))
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	atomic.AddInt64(&b.calls, 1)
	resultCh := make(chan Response, 1)
	go func() {
		result, err := handler(cctx, req.Params)
		if err != nil {
			resultCh <- errorResponse(req.ID, err)
			return
		}
		resultCh <- Response{ID: req.ID, Result: result}
	}()

	select {
	case resp := <-resultCh:
		if resp.Error != nil {
			atomic.AddInt64(&b.errors, 1)
		}
		return resp
	case <-cctx.Done():
		atomic.AddInt64(&b.timeouts, 1)
		log.Warn().Str("method", req.Method).Str("request_id", req.ID).Msg("rpc call timed out")
		return errorResponse(req.ID, errs.New(errs.RPC, errs.SubTimeout, errs.SeverityMedium, true,
			fmt.Sprintf("method %q exceeded its %s timeout", req.Method, b.timeout), nil))
	}
}

func errorResponse(id string, err error) Response {
	if e, ok := errs.As(err); ok {
		return Response{ID: id, Error: &Error{
			Code:    string(e.Kind),
			Message: e.Message,
			Data:    e.Context,
		}}
	}
	return Response{ID: id, Error: &Error{Code: string(errs.RPC), Message: err.Error()}}
}

// Stats reports call/error/timeout counters for C15.
type Stats struct {
	Calls, Errors, Timeouts int64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Calls:    atomic.LoadInt64(&b.calls),
		Errors:   atomic.LoadInt64(&b.errors),
		Timeouts: atomic.LoadInt64(&b.timeouts),
	}
}
