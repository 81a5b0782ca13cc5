// Package session wires one game session's generation queue and
// speculative cache to a provider.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pario-ai/genqueue/pkg/audit"
	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/future"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/provider"
	"github.com/pario-ai/genqueue/pkg/queue"
	"github.com/pario-ai/genqueue/pkg/speculative"
	"github.com/pario-ai/genqueue/pkg/stream"
	"go.uber.org/zap"
)

var errSuperseded = errors.New("prefetch superseded by a committed choice")

// Session owns the queue and speculative cache for one play-through.
// Callers hold a *Session instead of reaching for package globals.
type Session struct {
	id      string
	cfg     *config.Config
	logger  *zap.Logger
	queue   *queue.Queue
	guesses *speculative.Cache[string]

	// mu orders prefetch admission against Commit. round advances together
	// with the speculative epoch; queued holds the prefetch requests
	// admitted in the current round.
	mu     sync.Mutex
	round  uint64
	queued map[string]*queue.Request
}

// New builds a session. logger and interactions may be nil.
func New(p provider.Provider, cfg *config.Config, logger *zap.Logger, interactions audit.InteractionLogger) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	id := uuid.NewString()
	logger = logging.OrNop(logger).With(zap.String("conversation_id", id))

	q := queue.New(p,
		queue.WithLogger(logger),
		queue.WithInteractionLogger(interactions),
		queue.WithEstimatedLength(cfg.Progress.EstimatedLength),
		queue.WithLogTimeout(cfg.Queue.LogTimeout),
		queue.WithConversationID(id),
	)
	return &Session{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		queue:   q,
		guesses: speculative.New[string](speculative.WithLogger(logger)),
		queued:  make(map[string]*queue.Request),
	}
}

// ID is the conversation id stamped on every recorded interaction.
func (s *Session) ID() string { return s.id }

// Queue returns the session's generation queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Speculative returns the session's speculative cache.
func (s *Session) Speculative() *speculative.Cache[string] { return s.guesses }

// Enqueue admits a request at the configured default priority.
func (s *Session) Enqueue(transcript []models.Turn, w stream.Watcher, source string, opts ...queue.EnqueueOption) *queue.Request {
	return s.queue.Enqueue(transcript, w, s.cfg.Queue.DefaultPriority, source, opts...)
}

// Prefetch starts generating the response for an anticipated choice. The
// work goes through the session queue at the speculative priority, so it
// never delays foreground requests that are already waiting. It reports
// whether a new generation was started.
func (s *Session) Prefetch(key string, transcript []models.Turn, source string, opts ...queue.EnqueueOption) bool {
	if !s.cfg.Speculative.Enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	round := s.round
	return s.guesses.StartSpeculative(key, func(ctx context.Context) (string, error) {
		req, err := s.admit(key, round, transcript, source, opts)
		if err != nil {
			return "", err
		}
		return req.Await(ctx)
	})
}

// admit enqueues a prefetch unless a Commit ended its round first.
func (s *Session) admit(key string, round uint64, transcript []models.Turn, source string, opts []queue.EnqueueOption) (*queue.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round != round {
		return nil, errSuperseded
	}
	req := s.queue.Enqueue(transcript, nil, s.cfg.Queue.SpeculativePriority, source, opts...)
	s.queued[key] = req
	return req, nil
}

// Commit resolves the player's actual choice. A completed prefetch for key
// is delivered to w as a single chunk. A prefetch for key that is still
// running is promoted to priority and awaited, then delivered the same way;
// if it fails, or there was none, the transcript is generated normally at
// priority. Every other prefetch is invalidated, and those still waiting in
// the queue are cancelled.
func (s *Session) Commit(ctx context.Context, key string, transcript []models.Turn, w stream.Watcher, priority int, source string, opts ...queue.EnqueueOption) (string, error) {
	w = stream.Or(w)

	text, hit := s.guesses.Take(key)
	var pending *future.Future[string]
	if !hit {
		pending, _ = s.guesses.Pending(key)
	}
	own := s.endRound(key)

	switch {
	case hit:
		s.logger.Debug("speculative hit", zap.String("key", key))
		w.OnChunk(text)
		w.OnComplete(text)
		return text, nil
	case pending != nil:
		if own != nil {
			s.queue.Promote(own.ID(), priority)
		}
		text, err := pending.Await(ctx)
		if err == nil {
			s.logger.Debug("speculative hit after wait", zap.String("key", key))
			w.OnChunk(text)
			w.OnComplete(text)
			return text, nil
		}
		if ctx.Err() != nil {
			if own != nil {
				s.queue.Cancel(own.ID())
			}
			return "", ctx.Err()
		}
		s.logger.Debug("prefetch for committed choice failed, regenerating",
			zap.String("key", key),
			zap.Error(err))
	}

	req := s.queue.Enqueue(transcript, w, priority, source, opts...)
	return req.Await(ctx)
}

// endRound invalidates all speculative work and cancels the queued
// prefetches for every key but keep. keep's request, if one was admitted,
// is returned untouched.
func (s *Session) endRound(keep string) *queue.Request {
	s.mu.Lock()
	s.round++
	s.guesses.InvalidateAll()
	queued := s.queued
	s.queued = make(map[string]*queue.Request)
	s.mu.Unlock()

	own := queued[keep]
	delete(queued, keep)
	cancelled := 0
	for _, req := range queued {
		if s.queue.Cancel(req.ID()) {
			cancelled++
		}
	}
	if cancelled > 0 {
		s.logger.Debug("unchosen prefetches cancelled", zap.Int("count", cancelled))
	}
	return own
}

// Close drops all speculative work and closes the queue.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.round++
	s.guesses.Clear()
	s.queued = make(map[string]*queue.Request)
	s.mu.Unlock()
	if err := s.queue.Close(ctx); err != nil {
		return err
	}
	s.guesses.Wait()
	return nil
}
