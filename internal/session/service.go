package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rangefeed/internal/feeder"
	"rangefeed/internal/platform/metrics"
	"rangefeed/internal/platform/telemetry"
	"rangefeed/internal/player"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSnapshotInterval refreshes a running session's snapshot even when
// the feed itself is idle, so the play head stays current.
const DefaultSnapshotInterval = time.Second

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive is returned when acting on a finished session.
	ErrNotActive = errors.New("session is not active")
	// ErrInvalidRequest wraps validation failures of a Request.
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrShutdown is returned by Start once Shutdown has been called.
	ErrShutdown = errors.New("session manager is shut down")
)

// Publisher receives every snapshot the manager stores.
type Publisher interface {
	Publish(Snapshot)
}

// FetcherFactory returns the fetcher for one resource URL.
type FetcherFactory func(url string) feeder.Fetcher

// Config holds the defaults applied to each session.
type Config struct {
	Codec        string
	SegmentSize  int64
	CacheSeconds float64
	Retry        feeder.RetryPolicy
	// Player is the template for every session's player; Output is ignored.
	Player player.Config
	// OutputDir receives <id>.mp4 with the appended bytes. Empty discards them.
	OutputDir        string
	SnapshotInterval time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher forwards every stored snapshot to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithManagerMetrics records session outcomes and feeds loop metrics.
func WithManagerMetrics(met *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager runs feed sessions and keeps their snapshots in a Repository.
type Manager struct {
	cfg        Config
	repo       *Repository
	newFetcher FetcherFactory
	log        *slog.Logger
	metrics    *metrics.Metrics
	pub        Publisher
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[ID]*liveSession
}

type liveSession struct {
	base   Snapshot
	loop   *feeder.Loop
	player *player.Player
	out    io.WriteCloser
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// NewManager returns a Manager. Shutdown stops every session it started.
func NewManager(cfg Config, repo *Repository, newFetcher FetcherFactory, log *slog.Logger, opts ...Option) *Manager {
	if cfg.Codec == "" {
		cfg.Codec = feeder.DefaultCodec
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		repo:       repo,
		newFetcher: newFetcher,
		log:        log,
		tracer:     telemetry.Tracer("rangefeed/session"),
		ctx:        ctx,
		cancel:     cancel,
		live:       make(map[ID]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) validate(req Request) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s), got %q", ErrInvalidRequest, req.URL)
	}
	if req.SegmentSize < 0 {
		return fmt.Errorf("%w: segment_size must be positive", ErrInvalidRequest)
	}
	if req.CacheSeconds != nil && *req.CacheSeconds < 0 {
		return fmt.Errorf("%w: cache_seconds must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Start launches a session for req and returns its first snapshot.
func (m *Manager) Start(ctx context.Context, req Request) (Snapshot, error) {
	if err := m.validate(req); err != nil {
		return Snapshot{}, err
	}

	id := ID(uuid.NewString())
	codec := req.Codec
	if codec == "" {
		codec = m.cfg.Codec
	}
	segmentSize := req.SegmentSize
	if segmentSize == 0 {
		segmentSize = m.cfg.SegmentSize
	}
	cacheSeconds := m.cfg.CacheSeconds
	if req.CacheSeconds != nil {
		cacheSeconds = *req.CacheSeconds
	}
	log := m.log.With(slog.String("session_id", string(id)))

	out, err := m.openOutput(id)
	if err != nil {
		return Snapshot{}, err
	}

	pcfg := m.cfg.Player
	pcfg.Output = out
	p := player.New(pcfg, log)

	s := &liveSession{
		base: Snapshot{
			ID:        id,
			URL:       req.URL,
			Codec:     codec,
			StartedAt: time.Now().UTC(),
		},
		player: p,
		out:    out,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	loop, err := feeder.NewLoop(feeder.Config{
		URL:          req.URL,
		Codec:        codec,
		SegmentSize:  segmentSize,
		CacheSeconds: cacheSeconds,
		Retry:        m.cfg.Retry,
	}, p, m.newFetcher(req.URL), log,
		feeder.WithMetrics(m.metrics),
		feeder.WithStatusHook(func(feeder.Status) { s.poke() }))
	if err != nil {
		_ = out.Close()
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.loop = loop

	snap := s.snapshot()
	if err := m.repo.Save(ctx, snap); err != nil {
		_ = out.Close()
		return Snapshot{}, fmt.Errorf("save session %s: %w", id, err)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		_ = out.Close()
		return Snapshot{}, ErrShutdown
	}
	m.live[id] = s
	m.metrics.SetActiveSessions(len(m.live))
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx, s, log)

	log.Info("session started",
		slog.String("url", req.URL),
		slog.String("codec", codec),
		slog.Int64("segment_size", segmentSize))
	return snap, nil
}

func (m *Manager) openOutput(id ID) (io.WriteCloser, error) {
	if m.cfg.OutputDir == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(m.cfg.OutputDir, string(id)+".mp4"))
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// run owns a session from start to its final snapshot.
func (m *Manager) run(ctx context.Context, s *liveSession, log *slog.Logger) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	ctx, span := m.tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String(telemetry.SessionIDKey, string(s.base.ID)),
		attribute.String(telemetry.SessionURLKey, s.base.URL)))
	defer span.End()

	playerDone := make(chan struct{})
	go func() {
		defer close(playerDone)
		s.player.Run(ctx)
	}()

	persistStop := make(chan struct{})
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		m.persist(s, persistStop, log)
	}()

	err := s.loop.Run(ctx)
	feed := s.loop.Status()
	if err == nil && !feed.Direct {
		// Play out what is buffered before calling the session finished.
		select {
		case <-playerDone:
		case <-ctx.Done():
		}
	}
	s.cancel()
	<-playerDone
	s.player.Close()
	close(persistStop)
	<-persistDone

	outcome := outcomeOf(err, feed)
	span.SetAttributes(attribute.String("session.outcome", outcome))
	switch outcome {
	case OutcomeFailed:
		log.Error("session failed", slog.String("error", err.Error()))
	default:
		log.Info("session finished", slog.String("outcome", outcome))
	}
	m.metrics.IncSessionsCompleted(outcome)

	if cerr := s.out.Close(); cerr != nil {
		log.Warn("close output", slog.String("error", cerr.Error()))
	}

	final := s.snapshot()
	final.Outcome = outcome
	ended := time.Now().UTC()
	final.EndedAt = &ended

	m.store(context.Background(), final, log)

	m.mu.Lock()
	delete(m.live, s.base.ID)
	m.metrics.SetActiveSessions(len(m.live))
	m.mu.Unlock()
}

func outcomeOf(err error, feed feeder.Status) string {
	switch {
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case err != nil:
		return OutcomeFailed
	case feed.Direct:
		return OutcomeDirect
	default:
		return OutcomeDrained
	}
}

// persist writes a snapshot whenever the loop reports a change, and on a
// timer in between.
func (m *Manager) persist(s *liveSession, stop <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		m.store(context.Background(), s.snapshot(), log)
	}
}

func (m *Manager) store(ctx context.Context, snap Snapshot, log *slog.Logger) {
	if err := m.repo.Save(ctx, snap); err != nil {
		log.Warn("save snapshot failed", slog.String("error", err.Error()))
	}
	if m.pub != nil {
		m.pub.Publish(snap)
	}
}

// poke asks the persister for a fresh snapshot without blocking the loop.
func (s *liveSession) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *liveSession) snapshot() Snapshot {
	snap := s.base
	snap.Feed = s.loop.Status()
	snap.Player = s.player.State()
	return snap
}

func (m *Manager) lookup(id ID) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[id]
	return s, ok
}

// Get returns the current snapshot of id.
func (m *Manager) Get(ctx context.Context, id ID) (Snapshot, error) {
	if s, ok := m.lookup(id); ok {
		return s.snapshot(), nil
	}
	snap, ok, err := m.repo.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// List returns all known sessions, oldest first. Running sessions are
// reported live rather than from their last stored snapshot.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	snaps, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if s, ok := m.lookup(snaps[i].ID); ok {
			snaps[i] = s.snapshot()
		}
	}
	return snaps, nil
}

// Seek moves the play head of a running session.
func (m *Manager) Seek(ctx context.Context, id ID, position float64) error {
	s, ok := m.lookup(id)
	if !ok {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotActive
	}
	if position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidRequest)
	}
	return s.player.Seek(position)
}

// Stop cancels a running session and waits for its final snapshot.
// Stopping a finished session forgets it.
func (m *Manager) Stop(ctx context.Context, id ID) error {
	s, ok := m.lookup(id)
	if !ok {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return m.repo.Remove(ctx, id)
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown cancels every session and waits until all have stored their
// final snapshot or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
