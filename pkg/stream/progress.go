package stream

import "sync"

// DefaultEstimatedLength is the assumed byte length of a full response.
const DefaultEstimatedLength = 2000

// ProgressSink receives progress percentages in [0, 100].
type ProgressSink interface {
	SetProgress(percent int)
}

// ProgressFunc adapts a function to a ProgressSink.
type ProgressFunc func(percent int)

func (f ProgressFunc) SetProgress(percent int) { f(percent) }

// ProgressEstimator derives a rough completion percentage from the amount
// of streamed output and forwards every call to the inner watcher.
// It never reports 100 before OnComplete.
type ProgressEstimator struct {
	inner     Watcher
	sink      ProgressSink
	estimated int

	mu    sync.Mutex
	bytes int
	last  int
}

// NewProgressEstimator wraps inner. estimated <= 0 selects DefaultEstimatedLength.
func NewProgressEstimator(inner Watcher, sink ProgressSink, estimated int) *ProgressEstimator {
	if estimated <= 0 {
		estimated = DefaultEstimatedLength
	}
	return &ProgressEstimator{
		inner:     Or(inner),
		sink:      sink,
		estimated: estimated,
		last:      -1,
	}
}

func (p *ProgressEstimator) OnChunk(text string) {
	p.mu.Lock()
	p.bytes += len(text)
	pct := p.bytes * 100 / p.estimated
	if pct > 99 {
		pct = 99
	}
	changed := pct != p.last
	p.last = pct
	p.mu.Unlock()

	if changed {
		p.push(pct)
	}
	p.inner.OnChunk(text)
}

func (p *ProgressEstimator) OnComplete(full string) {
	p.mu.Lock()
	p.last = 100
	p.mu.Unlock()

	p.push(100)
	p.inner.OnComplete(full)
}

func (p *ProgressEstimator) OnError(err error) {
	p.inner.OnError(err)
}

// Percent returns the last value pushed to the sink, or 0.
func (p *ProgressEstimator) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last < 0 {
		return 0
	}
	return p.last
}

func (p *ProgressEstimator) push(pct int) {
	if p.sink != nil {
		p.sink.SetProgress(pct)
	}
}
