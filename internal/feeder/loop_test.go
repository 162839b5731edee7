package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rangefeed/internal/platform/logger"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testURL = "http://origin.test/demo_dashinit.mp4"

type fakeErr struct {
	msg  string
	temp bool
}

func (e *fakeErr) Error() string   { return e.msg }
func (e *fakeErr) Temporary() bool { return e.temp }

type fakeSource struct{ opened chan struct{} }

func (s *fakeSource) Opened() <-chan struct{} { return s.opened }

// fakeTarget buffers one second of media per completed append once
// primeAppends appends have landed, unless a test pins the view.
type fakeTarget struct {
	mu           sync.Mutex
	events       chan Event
	primeAppends int
	autoComplete bool
	failAppend   bool
	inFlight     bool
	appends      int
	pinned       bool
	intervals    []TimeRange
	position     float64
	ended        bool
}

func newFakeTarget(primeAppends int) *fakeTarget {
	return &fakeTarget{events: make(chan Event, 128), primeAppends: primeAppends, autoComplete: true}
}

func (f *fakeTarget) Append(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight {
		return ErrAppendBusy
	}
	f.inFlight = true
	if f.failAppend {
		f.inFlight = false
		f.events <- Event{Kind: EventAppendFailed, Err: errors.New("decode error")}
		return nil
	}
	if f.autoComplete {
		f.completeLocked()
	}
	return nil
}

func (f *fakeTarget) complete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeLocked()
}

func (f *fakeTarget) completeLocked() {
	f.inFlight = false
	f.appends++
	if !f.pinned && f.appends >= f.primeAppends {
		f.intervals = []TimeRange{{Start: 0, End: float64(f.appends)}}
	}
	f.events <- Event{Kind: EventAppendCompleted}
}

func (f *fakeTarget) pin(intervals []TimeRange, position float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = true
	f.intervals = intervals
	f.position = position
}

func (f *fakeTarget) notify(kind EventKind) {
	f.mu.Lock()
	pos := f.position
	f.mu.Unlock()
	f.events <- Event{Kind: kind, Position: pos}
}

func (f *fakeTarget) setAutoComplete(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoComplete = v
}

func (f *fakeTarget) isEnded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeTarget) BufferedIntervals() []TimeRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TimeRange(nil), f.intervals...)
}

func (f *fakeTarget) CurrentPosition() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeTarget) Events() <-chan Event { return f.events }

func (f *fakeTarget) EndOfStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

type fakeEnv struct {
	mu          sync.Mutex
	unsupported bool
	holdOpen    bool
	target      *fakeTarget
	directURL   string
}

func (e *fakeEnv) SupportsIncrementalMedia(string) bool { return !e.unsupported }

func (e *fakeEnv) CreateIncrementalSource() (Source, error) {
	src := &fakeSource{opened: make(chan struct{})}
	if !e.holdOpen {
		close(src.opened)
	}
	return src, nil
}

func (e *fakeEnv) AttachSource(Source) error { return nil }

func (e *fakeEnv) OpenAppendTarget(Source, string) (AppendTarget, error) {
	return e.target, nil
}

func (e *fakeEnv) UseDirectPlayback(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directURL = url
	return nil
}

type fakeFetcher struct {
	mu          sync.Mutex
	length      int64
	lengthErr   error
	failRanges  int
	rangeErr    error
	ranges      []ByteRange
	rangeCalls  int
	lengthCalls int
}

func (f *fakeFetcher) FetchLength(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lengthCalls++
	if f.lengthErr != nil {
		return 0, f.lengthErr
	}
	return f.length, nil
}

func (f *fakeFetcher) FetchRange(_ context.Context, r ByteRange) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	if f.failRanges > 0 {
		f.failRanges--
		return nil, f.rangeErr
	}
	f.ranges = append(f.ranges, r)
	return make([]byte, r.Len()), nil
}

func (f *fakeFetcher) fetched() []ByteRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ByteRange(nil), f.ranges...)
}

func (f *fakeFetcher) calls() (length, ranges int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lengthCalls, f.rangeCalls
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

func newTestLoop(t *testing.T, env *fakeEnv, f *fakeFetcher, segmentSize int64, opts ...Option) *Loop {
	t.Helper()
	l, err := NewLoop(Config{URL: testURL, SegmentSize: segmentSize, CacheSeconds: 2, Retry: fastRetry},
		env, f, logger.Discard(), opts...)
	require.NoError(t, err)
	return l
}

// runAsync starts l.Run and returns a wait func yielding its error.
func runAsync(t *testing.T, ctx context.Context, l *Loop) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	return func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestLoop_scenario_three_ranges_then_drained(t *testing.T) {
	target := newFakeTarget(100)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 2500000}
	l := newTestLoop(t, env, f, 1048576)

	require.NoError(t, l.Run(context.Background()))

	want := []ByteRange{{0, 1048575}, {1048576, 2097151}, {2097152, 2499999}}
	if diff := cmp.Diff(want, f.fetched()); diff != "" {
		t.Errorf("fetched ranges (-want +got):\n%s", diff)
	}
	st := l.Status()
	assert.Equal(t, PhaseDrained, st.Phase)
	assert.Equal(t, 3, st.Fetches)
	assert.Equal(t, int64(2500000), st.BytesFetched)
	assert.Equal(t, int64(2500000), st.Cursor.SegmentStart)
	assert.True(t, st.Done)
	assert.Empty(t, st.Error)
	assert.True(t, target.isEnded())
}

func TestLoop_length_unknown_issues_no_range_fetches(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(1)}
	lengthErr := &fakeErr{msg: "length not computable", temp: false}
	f := &fakeFetcher{lengthErr: lengthErr}
	l := newTestLoop(t, env, f, 1024)

	err := l.Run(context.Background())
	require.Error(t, err)

	var fe *fakeErr
	require.ErrorAs(t, err, &fe)
	assert.Same(t, lengthErr, fe)

	lengthCalls, rangeCalls := f.calls()
	assert.Equal(t, 1, lengthCalls, "permanent length errors are not retried")
	assert.Zero(t, rangeCalls)
	assert.Contains(t, l.Status().Error, "length not computable")
}

func TestLoop_length_discovery_retries_transient(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(100)}
	f := &fakeFetcher{lengthErr: &fakeErr{msg: "connection reset", temp: true}}
	l := newTestLoop(t, env, f, 1024)

	err := l.Run(context.Background())
	require.Error(t, err)
	lengthCalls, rangeCalls := f.calls()
	assert.Equal(t, int(fastRetry.MaxAttempts), lengthCalls)
	assert.Zero(t, rangeCalls)
}

func TestLoop_priming_to_steady_then_demand_driven(t *testing.T) {
	target := newFakeTarget(2)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 10 << 20}

	var mu sync.Mutex
	var phases []SessionPhase
	hook := func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
	}
	l := newTestLoop(t, env, f, 1<<20, WithStatusHook(hook))

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, l)

	require.Eventually(t, func() bool { return l.Status().Phase == PhaseSteady }, time.Second, time.Millisecond)
	assert.Len(t, f.fetched(), 2, "priming stops at the first playable buffer")

	// Lookahead 3s >= 2s: no fetch.
	target.pin([]TimeRange{{0, 5}}, 2.0)
	target.notify(EventPositionAdvanced)
	assert.Never(t, func() bool { return len(f.fetched()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	// Lookahead 0.5s < 2s: fetch the next range.
	target.pin([]TimeRange{{0, 5}}, 4.5)
	target.notify(EventPositionAdvanced)
	require.Eventually(t, func() bool { return len(f.fetched()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, ByteRange{Start: 2 << 20, End: 3<<20 - 1}, f.fetched()[2])

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SessionPhase{PhasePriming, PhaseSteady}, phases)
}

func TestLoop_coalesces_position_events_while_append_in_flight(t *testing.T) {
	target := newFakeTarget(1)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 10 << 20}
	l := newTestLoop(t, env, f, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, l)
	require.Eventually(t, func() bool { return l.Status().Phase == PhaseSteady }, time.Second, time.Millisecond)

	target.setAutoComplete(false)
	target.pin([]TimeRange{{0, 1}}, 0.9)
	for i := 0; i < 5; i++ {
		target.notify(EventPositionAdvanced)
	}
	require.Eventually(t, func() bool { return len(f.fetched()) == 2 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(f.fetched()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	target.complete()
	require.Eventually(t, func() bool { return l.Status().Cursor.SegmentStart == 2<<20 }, time.Second, time.Millisecond)

	target.notify(EventPositionAdvanced)
	require.Eventually(t, func() bool { return len(f.fetched()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2<<20), f.fetched()[2].Start, "no byte range skipped or repeated")

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)
}

func TestLoop_position_jump_rechecks_demand(t *testing.T) {
	target := newFakeTarget(1)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 10 << 20}
	l := newTestLoop(t, env, f, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, l)
	require.Eventually(t, func() bool { return l.Status().Phase == PhaseSteady }, time.Second, time.Millisecond)

	target.pin([]TimeRange{{0, 1}}, 30)
	target.notify(EventPositionJumped)
	require.Eventually(t, func() bool { return len(f.fetched()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1<<20), f.fetched()[1].Start, "cursor is never rewound")

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)
}

func TestLoop_zero_lookahead_fetches_only_past_buffer(t *testing.T) {
	target := newFakeTarget(1)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 10 << 20}
	l, err := NewLoop(Config{URL: testURL, SegmentSize: 1 << 20, CacheSeconds: 0, Retry: fastRetry},
		env, f, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, l)
	require.Eventually(t, func() bool { return l.Status().Phase == PhaseSteady }, time.Second, time.Millisecond)
	require.Len(t, f.fetched(), 1)

	for _, pos := range []float64{0.9, 1.0} {
		target.pin([]TimeRange{{0, 1}}, pos)
		target.notify(EventPositionAdvanced)
	}
	assert.Never(t, func() bool { return len(f.fetched()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	target.pin([]TimeRange{{0, 1}}, 1.5)
	target.notify(EventPositionAdvanced)
	require.Eventually(t, func() bool { return len(f.fetched()) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)
}

func TestLoop_steady_drains_at_end(t *testing.T) {
	target := newFakeTarget(1)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 3 << 20}
	l := newTestLoop(t, env, f, 1<<20)

	wait := runAsync(t, context.Background(), l)
	require.Eventually(t, func() bool { return l.Status().Phase == PhaseSteady }, time.Second, time.Millisecond)

	target.pin([]TimeRange{{0, 1}}, 0.5)
	target.notify(EventPositionAdvanced)
	require.Eventually(t, func() bool { return l.Status().Cursor.SegmentStart == 2<<20 }, time.Second, time.Millisecond)
	target.notify(EventPositionAdvanced)

	require.NoError(t, wait())
	assert.Len(t, f.fetched(), 3)
	assert.Equal(t, PhaseDrained, l.Status().Phase)
	assert.True(t, target.isEnded())
}

func TestLoop_retries_transient_range_errors(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(100)}
	f := &fakeFetcher{length: 100, failRanges: 2, rangeErr: &fakeErr{msg: "503", temp: true}}
	l := newTestLoop(t, env, f, 64)

	require.NoError(t, l.Run(context.Background()))
	assert.Len(t, f.fetched(), 2)
	assert.Equal(t, 2, l.Status().Retries)
}

func TestLoop_surfaces_stall_after_retries(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(100)}
	f := &fakeFetcher{length: 100, failRanges: 100, rangeErr: &fakeErr{msg: "503", temp: true}}
	l := newTestLoop(t, env, f, 64)

	err := l.Run(context.Background())
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, ByteRange{Start: 0, End: 63}, stall.Range)

	_, rangeCalls := f.calls()
	assert.Equal(t, int(fastRetry.MaxAttempts), rangeCalls)
	assert.True(t, l.Status().Done)
	assert.Equal(t, PhasePriming, l.Status().Phase)
}

func TestLoop_permanent_range_error_not_retried(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(100)}
	f := &fakeFetcher{length: 100, failRanges: 1, rangeErr: &fakeErr{msg: "416", temp: false}}
	l := newTestLoop(t, env, f, 64)

	err := l.Run(context.Background())
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	_, rangeCalls := f.calls()
	assert.Equal(t, 1, rangeCalls)
}

func TestLoop_append_failure_is_a_stall(t *testing.T) {
	target := newFakeTarget(1)
	target.failAppend = true
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 100}
	l := newTestLoop(t, env, f, 64)

	err := l.Run(context.Background())
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, ByteRange{Start: 0, End: 63}, stall.Range)
	assert.Contains(t, err.Error(), "decode error")
}

func TestLoop_unsupported_environment_falls_back(t *testing.T) {
	env := &fakeEnv{unsupported: true, target: newFakeTarget(1)}
	f := &fakeFetcher{length: 100}
	l := newTestLoop(t, env, f, 64)

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, testURL, env.directURL)
	assert.True(t, l.Status().Direct)

	lengthCalls, rangeCalls := f.calls()
	assert.Zero(t, lengthCalls)
	assert.Zero(t, rangeCalls)
}

func TestLoop_zero_length_drains_immediately(t *testing.T) {
	target := newFakeTarget(1)
	env := &fakeEnv{target: target}
	f := &fakeFetcher{length: 0}
	l := newTestLoop(t, env, f, 64)

	require.NoError(t, l.Run(context.Background()))
	_, rangeCalls := f.calls()
	assert.Zero(t, rangeCalls)
	assert.Equal(t, PhaseDrained, l.Status().Phase)
	assert.True(t, target.isEnded())
}

func TestLoop_cancel_while_source_opening(t *testing.T) {
	env := &fakeEnv{holdOpen: true, target: newFakeTarget(1)}
	f := &fakeFetcher{length: 100}
	l := newTestLoop(t, env, f, 64)

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, l)
	cancel()

	assert.ErrorIs(t, wait(), context.Canceled)
	lengthCalls, _ := f.calls()
	assert.Zero(t, lengthCalls, "length discovery waits for the source to open")
}

func TestLoop_Run_twice(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(100)}
	l := newTestLoop(t, env, &fakeFetcher{length: 10}, 64)

	require.NoError(t, l.Run(context.Background()))
	assert.Error(t, l.Run(context.Background()))
}

func TestNewLoop_validation(t *testing.T) {
	env := &fakeEnv{target: newFakeTarget(1)}
	f := &fakeFetcher{}
	log := logger.Discard()

	_, err := NewLoop(Config{}, env, f, log)
	assert.Error(t, err, "empty URL")

	_, err = NewLoop(Config{URL: testURL}, nil, f, log)
	assert.Error(t, err, "nil env")

	_, err = NewLoop(Config{URL: testURL, SegmentSize: -5}, env, f, log)
	assert.Error(t, err, "negative segment size")

	l, err := NewLoop(Config{URL: testURL}, env, f, log)
	require.NoError(t, err)
	assert.Equal(t, DefaultSegmentSize, l.Status().Cursor.SegmentSize)
	assert.Equal(t, PhasePriming, l.Status().Phase)
}

func TestConfig_withDefaults_cache_seconds(t *testing.T) {
	assert.Equal(t, DefaultCacheSeconds, Config{CacheSeconds: -1}.withDefaults().CacheSeconds)
	assert.Equal(t, 0.0, Config{}.withDefaults().CacheSeconds)
	assert.Equal(t, 0.5, Config{CacheSeconds: 0.5}.withDefaults().CacheSeconds)
}
