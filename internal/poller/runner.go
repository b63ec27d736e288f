// Package poller turns the per-user chats feed into one deduplicated,
// newest-first stream of batches delivered to registered handlers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hpwn/hackmudchat/internal/chatapi"
	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/metrics"
)

const (
	DefaultInterval = 1500 * time.Millisecond
	DefaultMinGap   = time.Second
	DefaultEpsilon  = 0.1
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("poller: already started")

// ChatSource is the subset of the chat API the runner needs.
type ChatSource interface {
	ChatsSince(ctx context.Context, token string, after float64, usernames []string) (chatapi.Chats, error)
}

// Config controls how the runner polls.
type Config struct {
	Interval time.Duration
	// MinGap is the minimum time between the end of one poll and the
	// start of the next fetch.
	MinGap time.Duration
	// Epsilon is added to the watermark so the newest delivered message
	// is not fetched again.
	Epsilon float64
	// OffsetPath, when set, persists the watermark across restarts.
	OffsetPath string
}

// Session is the identity the runner polls for.
type Session struct {
	Token string
	Users []string
}

// Runner periodically fetches new chats and dispatches them to the registry.
type Runner struct {
	cfg      Config
	src      ChatSource
	sess     Session
	registry *Registry
	clock    clockwork.Clock
	logger   *slog.Logger

	tickMu sync.Mutex

	stateMu    sync.Mutex
	watermark  float64
	lastPollAt time.Time
	persisted  float64

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a Runner. The watermark and last poll time start at the
// clock's current time, so only messages newer than construction are
// delivered unless a persisted watermark is restored by Start.
func New(cfg Config, src ChatSource, sess Session, registry *Registry, clock clockwork.Clock, logger *slog.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	now := clock.Now()
	return &Runner{
		cfg:        cfg,
		src:        src,
		sess:       sess,
		registry:   registry,
		clock:      clock,
		logger:     logging.OrDefault(logger).With(slog.String("component", "poller")),
		watermark:  unixSeconds(now),
		lastPollAt: now,
		done:       make(chan struct{}),
	}
}

// Registry returns the registry consulted on every tick.
func (r *Runner) Registry() *Registry { return r.registry }

// Watermark returns the exclusive lower bound (unix seconds) of the next fetch.
func (r *Runner) Watermark() float64 {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.watermark
}

// LastPollAt returns when the last completed poll finished.
func (r *Runner) LastPollAt() time.Time {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.lastPollAt
}

// Start launches the polling loop. The loop runs until ctx is cancelled,
// Stop is called, or the service rejects a fetch.
func (r *Runner) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	if r.cfg.OffsetPath != "" {
		persisted, err := loadOffset(r.cfg.OffsetPath)
		if err != nil {
			r.logger.Warn("poller: load offset", slog.Any("error", err))
		} else if persisted > 0 {
			r.stateMu.Lock()
			r.watermark = persisted
			r.persisted = persisted
			r.stateMu.Unlock()
			r.logger.Info("poller: resume from persisted watermark", slog.Float64("watermark", persisted))
		}
	}

	r.logger.Info("poller: started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("users", len(r.sess.Users)),
		slog.Float64("watermark", r.Watermark()))

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	go r.loop(runCtx)
	return nil
}

// Stop terminates the loop and waits for it to exit. It is a no-op when
// the runner was never started.
func (r *Runner) Stop() {
	r.lifeMu.Lock()
	cancel := r.cancel
	started := r.started
	r.lifeMu.Unlock()

	if !started {
		return
	}
	cancel()
	<-r.done
}

// Done is closed when the loop exits.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the error that stopped the loop, or nil.
func (r *Runner) Err() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.err
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("poller: stopped")
			return
		case <-ticker.Chan():
			if err := r.tick(ctx); err != nil {
				r.lifeMu.Lock()
				r.err = err
				r.lifeMu.Unlock()
				r.logger.Error("poller: halted", slog.Any("error", err))
				return
			}
		}
	}
}

// tick runs one poll. It only returns an error when polling must stop.
func (r *Runner) tick(ctx context.Context) error {
	if !r.tickMu.TryLock() {
		r.logger.Debug("poller: previous tick still running")
		return nil
	}
	defer r.tickMu.Unlock()

	r.stateMu.Lock()
	since := r.clock.Since(r.lastPollAt)
	after := r.watermark + r.cfg.Epsilon
	r.stateMu.Unlock()

	if since < r.cfg.MinGap {
		return nil
	}
	if r.registry.Len() == 0 {
		return nil
	}

	logger := r.logger.With(slog.String("tick_id", uuid.NewString()))

	start := time.Now()
	chats, err := r.src.ChatsSince(ctx, r.sess.Token, after, r.sess.Users)
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if chatapi.IsRemote(err) {
			metrics.PollsTotal.WithLabelValues(metrics.PollRejected).Inc()
			return fmt.Errorf("poller: fetch rejected: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.PollsTotal.WithLabelValues(metrics.PollTransport).Inc()
		logger.Warn("poller: fetch failed", slog.Any("error", err))
		return nil
	}

	batch := Merge(chats)
	if len(batch) > 0 {
		metrics.PollsTotal.WithLabelValues(metrics.PollDelivered).Inc()
		metrics.MessagesDelivered.Add(float64(len(batch)))

		r.advance(float64(batch[0].Timestamp) / 1000)
		r.persistWatermark(logger)

		logger.Debug("poller: dispatching batch",
			slog.Int("messages", len(batch)),
			slog.Float64("watermark", r.Watermark()))
		r.dispatch(logging.WithContext(ctx, logger), logger, batch)
	} else {
		metrics.PollsTotal.WithLabelValues(metrics.PollEmpty).Inc()
	}

	r.stateMu.Lock()
	r.lastPollAt = r.clock.Now()
	r.stateMu.Unlock()
	return nil
}

func (r *Runner) advance(wm float64) {
	r.stateMu.Lock()
	if wm > r.watermark {
		r.watermark = wm
	}
	current := r.watermark
	r.stateMu.Unlock()
	metrics.Watermark.Set(current)
}

func (r *Runner) dispatch(ctx context.Context, logger *slog.Logger, batch []Message) {
	for _, sub := range r.registry.snapshot() {
		// Scoped subscribers see every delivery, even when nothing matched.
		if err := invoke(ctx, sub.handler, sub.filter(batch)); err != nil {
			metrics.HandlerFailures.Inc()
			logger.Warn("poller: handler failed", slog.Int("position", sub.pos), slog.Any("error", err))
		}
	}
}

func invoke(ctx context.Context, h Handler, msgs []Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("poller: handler panic: %v", p)
		}
	}()
	return h(ctx, msgs)
}

func (r *Runner) persistWatermark(logger *slog.Logger) {
	if r.cfg.OffsetPath == "" {
		return
	}

	r.stateMu.Lock()
	wm := r.watermark
	unchanged := wm == r.persisted
	r.stateMu.Unlock()
	if unchanged {
		return
	}

	if err := writeOffset(r.cfg.OffsetPath, offsetState{Watermark: wm}); err != nil {
		logger.Warn("poller: persist offset", slog.Any("error", err))
		return
	}
	r.stateMu.Lock()
	r.persisted = wm
	r.stateMu.Unlock()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
