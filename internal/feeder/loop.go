package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rangefeed/internal/platform/metrics"
	"rangefeed/internal/platform/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCacheSeconds is the lookahead kept buffered during steady playback.
	DefaultCacheSeconds = 2.0
	// DefaultCodec is the MIME type with codecs offered to the environment.
	DefaultCodec = `video/mp4; codecs="avc1.42E01E, mp4a.40.2"`

	tracerName = "rangefeed/feeder"
)

// Config describes one feed session.
type Config struct {
	URL         string
	Codec       string
	SegmentSize int64
	// CacheSeconds is the steady-state lookahead. Zero fetches only once the
	// play head has left the buffer; a negative value selects DefaultCacheSeconds.
	CacheSeconds float64
	Retry        RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.CacheSeconds < 0 {
		c.CacheSeconds = DefaultCacheSeconds
	}
	c.Retry = c.Retry.normalized()
	return c
}

// Option configures a Loop.
type Option func(*Loop)

// WithMetrics records fetches, retries, stalls and phase changes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithStatusHook calls fn with a fresh Status after every state change.
// fn runs on the control goroutine and must not block.
func WithStatusHook(fn func(Status)) Option {
	return func(l *Loop) { l.onStatus = fn }
}

// Loop is the playback-driven feed controller. Run drives it on a single
// goroutine; Status may be called from anywhere.
type Loop struct {
	cfg      Config
	env      Environment
	fetcher  Fetcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	onStatus func(Status)
	tracer   trace.Tracer
	started  atomic.Bool

	// Owned by the control goroutine.
	sched   *Scheduler
	target  AppendTarget
	monitor *Monitor
	phase   SessionPhase
	pending *ByteRange

	mu     sync.Mutex
	status Status
}

// NewLoop validates cfg and returns a loop ready to Run.
func NewLoop(cfg Config, env Environment, fetcher Fetcher, log *slog.Logger, opts ...Option) (*Loop, error) {
	if cfg.URL == "" {
		return nil, errors.New("feeder: empty resource URL")
	}
	if env == nil || fetcher == nil {
		return nil, errors.New("feeder: environment and fetcher are required")
	}
	cfg = cfg.withDefaults()
	sched, err := NewScheduler(cfg.SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("feeder: %w", err)
	}

	l := &Loop{
		cfg:     cfg,
		env:     env,
		fetcher: fetcher,
		log:     log.With(slog.String("url", cfg.URL)),
		tracer:  telemetry.Tracer(tracerName),
		sched:   sched,
		phase:   PhasePriming,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.status = Status{Phase: PhasePriming, Cursor: sched.Cursor(), UpdatedAt: time.Now().UTC()}
	return l, nil
}

// Status returns the latest snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run feeds the media buffer until the resource is drained, a fatal error
// occurs or ctx is cancelled. It returns nil when the stream was fully
// appended or direct playback was used instead.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("feeder: loop already started")
	}

	ctx, span := l.tracer.Start(ctx, "feeder.session",
		trace.WithAttributes(attribute.String(telemetry.SessionURLKey, l.cfg.URL)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.update(func(s *Status) {
			s.Done = true
			if err != nil {
				s.Error = err.Error()
			}
		})
	}()

	if !l.env.SupportsIncrementalMedia(l.cfg.Codec) {
		return l.fallback()
	}

	if err := l.openTarget(ctx); err != nil {
		return err
	}

	length, err := retryFetch(ctx, l.cfg.Retry, l.retryNotify("length"), func() (int64, error) {
		return l.fetcher.FetchLength(ctx)
	})
	if err != nil {
		return fmt.Errorf("discover length: %w", err)
	}
	if err := l.sched.SetTotalLength(length); err != nil {
		return err
	}
	l.log.Info("length discovered",
		slog.Int64("total_length", length),
		slog.Int64("segment_size", l.cfg.SegmentSize))
	l.publish()

	if l.sched.IsExhausted() {
		return l.drain()
	}
	if err := l.feedNext(ctx); err != nil {
		return err
	}

	events := l.target.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("feeder: media environment closed its event stream")
			}
			done, err := l.handle(ctx, ev)
			if err != nil || done {
				return err
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev Event) (done bool, err error) {
	switch ev.Kind {
	case EventAppendCompleted:
		return l.onAppendCompleted(ctx)
	case EventAppendFailed:
		var r ByteRange
		if l.pending != nil {
			r = *l.pending
		}
		l.pending = nil
		l.metrics.IncStalls()
		return true, &StallError{Range: r, Err: fmt.Errorf("append failed: %w", ev.Err)}
	case EventPositionAdvanced:
		return l.onPosition(ctx)
	case EventPositionJumped:
		// The cursor only moves forward; a jump re-runs the demand check at
		// the new play head.
		l.log.Debug("position jumped", slog.Float64("position", ev.Position))
		return l.onPosition(ctx)
	default:
		return false, nil
	}
}

func (l *Loop) onAppendCompleted(ctx context.Context) (bool, error) {
	if l.pending == nil {
		l.log.Warn("append completion without a pending range")
		return false, nil
	}
	r := *l.pending
	l.pending = nil
	if err := l.sched.Advance(r); err != nil {
		return true, err
	}

	if l.phase == PhasePriming && l.monitor.HasPlayableData() {
		l.setPhase(PhaseSteady)
	}
	if l.sched.IsExhausted() {
		return true, l.drain()
	}
	l.publish()

	if l.phase == PhasePriming {
		return false, l.feedNext(ctx)
	}
	return false, nil
}

func (l *Loop) onPosition(ctx context.Context) (bool, error) {
	// Notifications that arrive while an append is outstanding are dropped:
	// the cursor has not moved, so they would repeat the same decision.
	if l.phase != PhaseSteady || l.pending != nil {
		return false, nil
	}
	if l.sched.IsExhausted() {
		return true, l.drain()
	}
	if l.monitor.IsLookaheadSufficient(l.cfg.CacheSeconds) {
		return false, nil
	}
	return false, l.feedNext(ctx)
}

// feedNext fetches the next range and starts appending it. The cursor is
// advanced later, when the append completes.
func (l *Loop) feedNext(ctx context.Context) error {
	r, err := l.sched.ComputeNextRange()
	if err != nil {
		return err
	}

	ctx, span := l.tracer.Start(ctx, "feeder.segment",
		trace.WithAttributes(telemetry.RangeAttributes(r.Start, r.End)...))
	defer span.End()

	start := time.Now()
	data, err := retryFetch(ctx, l.cfg.Retry, l.retryNotify(r.String()), func() ([]byte, error) {
		data, err := l.fetcher.FetchRange(ctx, r)
		if err == nil && int64(len(data)) != r.Len() {
			return nil, fmt.Errorf("range %s returned %d bytes, want %d", r, len(data), r.Len())
		}
		return data, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.metrics.IncStalls()
		return &StallError{Range: r, Err: err}
	}
	l.metrics.ObserveFetch(l.phase.String(), len(data), time.Since(start))

	if err := l.target.Append(data); err != nil {
		l.metrics.IncStalls()
		return &StallError{Range: r, Err: fmt.Errorf("append: %w", err)}
	}
	l.pending = &r

	l.log.Debug("segment appended",
		slog.String("range", r.String()),
		slog.String("phase", l.phase.String()))
	l.update(func(s *Status) {
		s.Fetches++
		s.BytesFetched += int64(len(data))
	})
	return nil
}

func (l *Loop) openTarget(ctx context.Context) error {
	src, err := l.env.CreateIncrementalSource()
	if err != nil {
		return fmt.Errorf("create incremental source: %w", err)
	}
	if err := l.env.AttachSource(src); err != nil {
		return fmt.Errorf("attach source: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-src.Opened():
	}
	target, err := l.env.OpenAppendTarget(src, l.cfg.Codec)
	if err != nil {
		return fmt.Errorf("open append target: %w", err)
	}
	l.target = target
	l.monitor = NewMonitor(target)
	return nil
}

func (l *Loop) fallback() error {
	l.log.Warn("incremental media unsupported, using direct playback", slog.String("codec", l.cfg.Codec))
	if err := l.env.UseDirectPlayback(l.cfg.URL); err != nil {
		return errors.Join(&UnsupportedEnvironmentError{Codec: l.cfg.Codec}, err)
	}
	l.update(func(s *Status) { s.Direct = true })
	return nil
}

func (l *Loop) drain() error {
	l.setPhase(PhaseDrained)
	if err := l.target.EndOfStream(); err != nil {
		l.log.Warn("end of stream rejected", slog.String("error", err.Error()))
	}
	l.log.Info("stream drained", slog.Int64("total_length", l.sched.Cursor().TotalLength))
	return nil
}

func (l *Loop) setPhase(p SessionPhase) {
	if l.phase == p {
		return
	}
	l.log.Info("phase changed",
		slog.String("from", l.phase.String()),
		slog.String("to", p.String()))
	l.phase = p
	l.metrics.IncPhaseTransition(p.String())
	l.publish()
}

func (l *Loop) retryNotify(what string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		l.metrics.IncRetries()
		l.log.Warn("fetch failed, retrying",
			slog.String("target", what),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		l.update(func(s *Status) { s.Retries++ })
	}
}

// publish refreshes phase and cursor in the status.
func (l *Loop) publish() {
	l.update(func(*Status) {})
}

func (l *Loop) update(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.status.Phase = l.phase
	l.status.Cursor = l.sched.Cursor()
	l.status.UpdatedAt = time.Now().UTC()
	snap := l.status
	l.mu.Unlock()

	if l.onStatus != nil {
		l.onStatus(snap)
	}
}
