// Package queue serializes generation requests onto a single provider.
//
// Requests are served one at a time in (priority, enqueue order). A worker
// goroutine exists only while there is pending work; it is started by
// Enqueue and exits when it finds the queue empty. The activation flag and
// the heap share one mutex, so a request can never be stranded between a
// worker deciding to exit and an enqueuer deciding not to start one.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pario-ai/genqueue/pkg/audit"
	"github.com/pario-ai/genqueue/pkg/future"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/provider"
	"github.com/pario-ai/genqueue/pkg/stream"
	"go.uber.org/zap"
)

var (
	// ErrUnknownRequest is returned for ids that were never issued or whose
	// outcome has already been collected.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrClosed is the cause attached to requests refused or dropped by Close.
	ErrClosed = errors.New("queue closed")
)

const defaultLogTimeout = 5 * time.Second

// Queue is a priority queue in front of one provider.
type Queue struct {
	provider        provider.Provider
	logger          *zap.Logger
	interactions    audit.InteractionLogger
	estimatedLength int
	logTimeout      time.Duration
	conversationID  string

	// ctx is handed to provider calls; cancelled only by a forced Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    requestHeap
	byID       map[string]*Request
	active     bool
	closed     bool
	inFlight   *Request
	seq        uint64
	workerDone chan struct{}

	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = logging.OrNop(l) }
}

// WithInteractionLogger sets where finished requests are recorded.
func WithInteractionLogger(l audit.InteractionLogger) Option {
	return func(q *Queue) { q.interactions = audit.Or(l) }
}

// WithEstimatedLength sets the expected response size used by WithProgress.
func WithEstimatedLength(n int) Option {
	return func(q *Queue) { q.estimatedLength = n }
}

// WithLogTimeout bounds each interaction log call.
func WithLogTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.logTimeout = d
		}
	}
}

// WithConversationID tags every interaction recorded by this queue.
func WithConversationID(id string) Option {
	return func(q *Queue) { q.conversationID = id }
}

// New creates an idle queue. No goroutine runs until the first Enqueue.
func New(p provider.Provider, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		provider:        p,
		logger:          zap.NewNop(),
		interactions:    audit.Nop{},
		estimatedLength: stream.DefaultEstimatedLength,
		logTimeout:      defaultLogTimeout,
		ctx:             ctx,
		cancel:          cancel,
		byID:            make(map[string]*Request),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

type enqueueOptions struct {
	call         models.CallOptions
	progress     stream.ProgressSink
	conversation string
}

// EnqueueOption configures a single request.
type EnqueueOption func(*enqueueOptions)

// WithModel selects the model and an optional fallback.
func WithModel(model, fallback string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.call = models.CallOptions{Model: model, FallbackModel: fallback}
	}
}

// WithProgress reports estimated completion percentages to sink.
func WithProgress(sink stream.ProgressSink) EnqueueOption {
	return func(o *enqueueOptions) { o.progress = sink }
}

// WithConversation overrides the queue's conversation id for this request.
func WithConversation(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.conversation = id }
}

// Enqueue admits a request and returns immediately. w may be nil. Lower
// priority values are served first; equal priorities are served in
// enqueue order. After Close the returned request is already Cancelled.
func (q *Queue) Enqueue(transcript []models.Turn, w stream.Watcher, priority int, source string, opts ...EnqueueOption) *Request {
	var eo enqueueOptions
	for _, o := range opts {
		o(&eo)
	}
	if eo.conversation == "" {
		eo.conversation = q.conversationID
	}
	if eo.progress != nil {
		w = stream.NewProgressEstimator(w, eo.progress, q.estimatedLength)
	}

	req := &Request{
		id:             uuid.NewString(),
		transcript:     slices.Clone(transcript),
		watcher:        stream.Guard(w),
		source:         source,
		enqueuedAt:     time.Now(),
		callOpts:       eo.call,
		conversationID: eo.conversation,
		index:          -1,
	}
	req.priority.Store(int64(priority))
	id := req.id
	req.promise = future.NewPromise[string](func() { q.forget(id) })
	req.result = req.promise.Future()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.settle(req, future.Aborted[string](ErrClosed))
		return req
	}
	q.seq++
	req.seq = q.seq
	heap.Push(&q.pending, req)
	q.byID[id] = req
	depth := q.pending.Len()
	if !q.active {
		q.active = true
		q.workerDone = make(chan struct{})
		go q.run(q.workerDone)
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.logger.Debug("request enqueued",
		zap.String("request_id", id),
		zap.String("source", source),
		zap.Int("priority", priority),
		zap.Int("depth", depth))
	return req
}

// run drains the heap. Deciding to exit and clearing active happen in the
// same critical section as the emptiness check.
func (q *Queue) run(done chan struct{}) {
	defer close(done)
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 {
			q.active = false
			q.inFlight = nil
			q.mu.Unlock()
			return
		}
		req := heap.Pop(&q.pending).(*Request)
		q.inFlight = req
		q.mu.Unlock()

		q.process(req)
	}
}

func (q *Queue) process(req *Request) {
	started := time.Now()
	text, err := q.complete(req)

	var out future.Outcome[string]
	switch {
	case err == nil:
		out = future.Succeeded(strings.TrimSpace(text))
	case q.ctx.Err() != nil:
		out = future.Aborted[string](err)
	default:
		out = future.Failed[string](err)
	}
	q.settle(req, out)

	latency := time.Since(started)
	q.logger.Debug("request finished",
		zap.String("request_id", req.id),
		zap.String("source", req.source),
		zap.Stringer("outcome", out.Kind),
		zap.Duration("latency", latency))

	q.record(req, out, started, latency)
}

// complete calls the provider, converting a panic into an error.
func (q *Queue) complete(req *Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("provider panicked",
				zap.String("request_id", req.id),
				zap.String("provider", q.provider.Name()),
				zap.Any("panic", r))
			err = fmt.Errorf("provider %s panicked: %v", q.provider.Name(), r)
			q.notifyError(req, err)
		}
	}()
	return q.provider.Complete(q.ctx, req.transcript, req.callOpts, req.watcher)
}

// notifyError reports err to req's watcher. The watcher already saw a
// terminal event if the panic came after one, in which case the guard drops
// this call. A watcher that panics here is logged and ignored.
func (q *Queue) notifyError(req *Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("watcher panicked",
				zap.String("request_id", req.id),
				zap.Any("panic", r))
		}
	}()
	req.watcher.OnError(err)
}

// settle resolves req and updates the counters if this call won.
func (q *Queue) settle(req *Request, out future.Outcome[string]) {
	if !req.promise.Resolve(out) {
		return
	}
	switch out.Kind {
	case future.Success:
		q.completed.Add(1)
	case future.ProviderError:
		q.failed.Add(1)
	case future.Cancelled:
		q.cancelled.Add(1)
	}
}

// record hands the finished request to the interaction logger. Its errors
// and panics never reach the caller.
func (q *Queue) record(req *Request, out future.Outcome[string], started time.Time, latency time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("interaction logger panicked",
				zap.String("request_id", req.id),
				zap.Any("panic", r))
		}
	}()

	ia := models.Interaction{
		ConversationID: req.conversationID,
		Transcript:     req.transcript,
		Request: models.RequestMeta{
			RequestID: req.id,
			Source:    req.source,
			Priority:  req.Priority(),
			Model:     req.callOpts.Model,
			Provider:  q.provider.Name(),
		},
		Response: models.ResponseMeta{
			Outcome:   out.Kind.String(),
			LatencyMs: latency.Milliseconds(),
			WaitMs:    started.Sub(req.enqueuedAt).Milliseconds(),
			Chars:     len(out.Value),
		},
		ResultText: out.Value,
		CreatedAt:  time.Now(),
	}
	if out.Err != nil {
		ia.ErrorText = out.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.logTimeout)
	defer cancel()
	if err := q.interactions.LogInteraction(ctx, ia); err != nil {
		q.logger.Warn("interaction log failed",
			zap.String("request_id", req.id),
			zap.Error(err))
	}
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.byID, id)
	q.mu.Unlock()
}

// Depth returns the number of requests not yet handed to the provider.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// ProviderName returns the provider's name.
func (q *Queue) ProviderName() string {
	return q.provider.Name()
}

// CheckHealth asks the provider. Enqueue never consults it.
func (q *Queue) CheckHealth(ctx context.Context) bool {
	return q.provider.CheckHealth(ctx)
}

// Lookup returns the tracked request for id.
func (q *Queue) Lookup(id string) (*Request, error) {
	q.mu.Lock()
	req, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return req, nil
}

// Await waits for the request with the given id. Unknown ids fail at once.
func (q *Queue) Await(ctx context.Context, id string) (string, error) {
	req, err := q.Lookup(id)
	if err != nil {
		return "", err
	}
	text, err := req.Await(ctx)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", id, err)
	}
	return text, nil
}

// Cancel resolves a still-pending request as Cancelled. A request already
// at the provider is never interrupted and Cancel returns false.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok || req.index < 0 {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.pending, req.index)
	q.mu.Unlock()

	q.settle(req, future.Aborted[string](nil))
	q.logger.Debug("request cancelled", zap.String("request_id", id))
	return true
}

// Promote moves a still-pending request up to priority if that is more
// urgent than its current one. Its place among requests of the new
// priority still follows enqueue order. It reports whether the request is
// pending; a request already at the provider cannot be promoted.
func (q *Queue) Promote(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok || req.index < 0 {
		return false
	}
	if int64(priority) < req.priority.Load() {
		req.priority.Store(int64(priority))
		heap.Fix(&q.pending, req.index)
		q.logger.Debug("request promoted",
			zap.String("request_id", id),
			zap.Int("priority", priority))
	}
	return true
}

// InFlight returns the id of the request at the provider, or "".
func (q *Queue) InFlight() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return ""
	}
	return q.inFlight.id
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	s := models.QueueStats{Depth: q.pending.Len()}
	if q.inFlight != nil {
		s.InFlight = q.inFlight.id
	}
	q.mu.Unlock()

	s.Enqueued = q.enqueued.Load()
	s.Completed = q.completed.Load()
	s.Failed = q.failed.Load()
	s.Cancelled = q.cancelled.Load()
	return s
}

// Close stops admission, cancels every pending request and waits for the
// in-flight call. If ctx ends first the in-flight call is cancelled and
// ctx.Err() is returned. Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := make([]*Request, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		dropped = append(dropped, heap.Pop(&q.pending).(*Request))
	}
	var done chan struct{}
	if q.active {
		done = q.workerDone
	}
	q.mu.Unlock()

	for _, req := range dropped {
		q.settle(req, future.Aborted[string](ErrClosed))
	}
	if len(dropped) > 0 {
		q.logger.Info("queue closed with pending requests", zap.Int("dropped", len(dropped)))
	}

	if done == nil {
		q.cancel()
		return nil
	}
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
