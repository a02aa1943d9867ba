// Package queue provides the in-process message queue between the enqueue
// surface and the analysis workers. Requests cross the boundary as encoded
// messages, never as shared mutable state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/telemetry"
)

// EncodeMessage returns the JSON representation of an analysis request.
func EncodeMessage(req analysis.Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeMessage parses a JSON payload into an analysis request.
func DecodeMessage(payload []byte) (analysis.Request, error) {
	var req analysis.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return analysis.Request{}, fmt.Errorf("decode queue message: %w", err)
	}
	if req.MatchID == "" {
		return analysis.Request{}, fmt.Errorf("queue message missing match id")
	}
	return req, nil
}

// Handler processes one dequeued analysis request.
type Handler func(ctx context.Context, req analysis.Request) error

// Dispatcher owns named bounded routes and the worker pools draining them.
// Enqueue never blocks: a full route rejects immediately so the caller can
// report backpressure instead of hanging a request.
type Dispatcher struct {
	mu     sync.Mutex
	routes map[string]*route

	taskTimeout time.Duration
	wg          sync.WaitGroup
}

type route struct {
	name    string
	ch      chan []byte
	handler Handler
}

// NewDispatcher builds an empty dispatcher. taskTimeout bounds each task's
// context; zero means no per-task limit.
func NewDispatcher(taskTimeout time.Duration) *Dispatcher {
	return &Dispatcher{routes: make(map[string]*route), taskTimeout: taskTimeout}
}

// Register creates a named route with the given buffer and handler.
// Registering a duplicate name is a programming error.
func (d *Dispatcher) Register(name string, depth int, h Handler) error {
	if depth <= 0 {
		depth = 256
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.routes[name]; ok {
		return fmt.Errorf("route %q already registered", name)
	}
	d.routes[name] = &route{name: name, ch: make(chan []byte, depth), handler: h}
	return nil
}

// Enqueue encodes req onto the named route. ErrRouteFull surfaces
// backpressure; unknown routes are a programming error.
func (d *Dispatcher) Enqueue(route string, req analysis.Request) error {
	payload, err := EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	d.mu.Lock()
	r, ok := d.routes[route]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown route %q", route)
	}
	select {
	case r.ch <- payload:
		telemetry.SetQueueDepth(d.Depth())
		return nil
	default:
		return fmt.Errorf("route %q full (%d queued): %w", route, cap(r.ch), ErrRouteFull)
	}
}

// ErrRouteFull marks an enqueue rejected by a saturated route.
var ErrRouteFull = fmt.Errorf("queue route full")

// Depth returns the total number of queued messages across routes.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.routes {
		n += len(r.ch)
	}
	return n
}

// Start launches workers per route and returns immediately. Workers exit when
// ctx is cancelled; Wait blocks until they all drain.
func (d *Dispatcher) Start(ctx context.Context, workersPerRoute int) {
	if workersPerRoute <= 0 {
		workersPerRoute = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.routes {
		for i := 0; i < workersPerRoute; i++ {
			d.wg.Add(1)
			go d.work(ctx, r, i)
		}
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) work(ctx context.Context, r *route, id int) {
	defer d.wg.Done()
	logger := slog.Default().With(slog.String("component", "queue"), slog.String("route", r.name), slog.Int("worker", id))
	logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping", slog.Any("reason", ctx.Err()))
			return
		case payload := <-r.ch:
			telemetry.SetQueueDepth(d.Depth())
			d.handle(ctx, r, logger, payload)
		}
	}
}

// handle runs one task under the per-task deadline. Handler errors are logged,
// never fatal to the worker.
func (d *Dispatcher) handle(ctx context.Context, r *route, logger *slog.Logger, payload []byte) {
	req, err := DecodeMessage(payload)
	if err != nil {
		logger.Error("dropping malformed message", slog.Any("err", err), slog.Int("bytes", len(payload)))
		return
	}
	taskCtx := ctx
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}
	_, err = telemetry.Observe(taskCtx, "queue_task", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.handler(ctx, req)
	})
	if err != nil {
		logger.Warn("task failed", slog.String("match_id", req.MatchID), slog.Any("err", err))
		return
	}
	logger.Debug("task complete", slog.String("match_id", req.MatchID))
}
