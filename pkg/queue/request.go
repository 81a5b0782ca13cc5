package queue

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pario-ai/genqueue/pkg/future"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/stream"
)

// Request is one admitted unit of generation work. It is resolved exactly
// once and never re-enqueued.
type Request struct {
	id             string
	transcript     []models.Turn
	watcher        stream.Watcher
	source         string
	seq            uint64
	enqueuedAt     time.Time
	callOpts       models.CallOptions
	conversationID string

	// priority only changes through Queue.Promote, under the queue lock.
	priority atomic.Int64

	promise *future.Promise[string]
	result  *future.Future[string]

	// index in the pending heap, -1 once dequeued or never queued.
	index int
}

// ID is a UUID assigned at enqueue.
func (r *Request) ID() string { return r.id }

// Transcript returns a copy of the turns sent to the provider.
func (r *Request) Transcript() []models.Turn { return slices.Clone(r.transcript) }

func (r *Request) Priority() int { return int(r.priority.Load()) }

func (r *Request) Source() string { return r.source }

// Seq is the logical enqueue time used to break priority ties.
func (r *Request) Seq() uint64 { return r.seq }

func (r *Request) EnqueuedAt() time.Time { return r.enqueuedAt }

func (r *Request) CallOptions() models.CallOptions { return r.callOpts }

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} { return r.result.Done() }

// Await blocks until the request resolves or ctx is done.
func (r *Request) Await(ctx context.Context) (string, error) {
	return r.result.Await(ctx)
}

// Outcome returns the tagged outcome without blocking.
func (r *Request) Outcome() (future.Outcome[string], bool) {
	return r.result.Outcome()
}

// requestHeap orders by priority, then seq.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	pi, pj := h[i].priority.Load(), h[j].priority.Load()
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
