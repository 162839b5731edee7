// Package player is an in-process media environment for the feed loop. It
// models a player with a single append buffer: appended bytes become buffered
// media time at a fixed bitrate, and a playback clock consumes that time and
// reports position changes.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"rangefeed/internal/feeder"
)

const (
	// DefaultBytesPerSecond maps appended bytes to media time (about 2 Mbit/s).
	DefaultBytesPerSecond = 256 * 1024
	// DefaultTickInterval matches the usual timeupdate cadence of a browser.
	DefaultTickInterval = 250 * time.Millisecond

	eventBuffer = 64
)

// Config tunes the simulated player.
type Config struct {
	// Codecs lists accepted codec strings. Empty accepts feeder.DefaultCodec only.
	Codecs []string
	// BytesPerSecond converts appended bytes to buffered seconds.
	BytesPerSecond float64
	// PrimeBytes must be appended before anything counts as buffered, like
	// an init segment that carries no samples.
	PrimeBytes int64
	// AppendLatency delays every append completion.
	AppendLatency time.Duration
	// TickInterval drives the playback clock in Run. Zero disables Run's
	// clock; tests call Tick instead.
	TickInterval time.Duration
	// PlaybackRate scales media time per wall time. Defaults to 1.
	PlaybackRate float64
	// Output receives every appended byte in order. Nil discards.
	Output io.Writer
}

// State is a snapshot of the player.
type State struct {
	Position  float64            `json:"position"`
	Buffered  []feeder.TimeRange `json:"buffered"`
	Appended  int64              `json:"appended"`
	Ended     bool               `json:"ended"`
	Direct    bool               `json:"direct"`
	DirectURL string             `json:"direct_url,omitempty"`
}

// Player implements feeder.Environment and feeder.AppendTarget.
type Player struct {
	cfg    Config
	log    *slog.Logger
	events chan feeder.Event
	done   chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	source    *source
	opened    bool
	updating  bool
	appended  int64
	position  float64
	ended     bool
	directURL string
}

// New returns an idle player.
func New(cfg Config, log *slog.Logger) *Player {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []string{feeder.DefaultCodec}
	}
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = DefaultBytesPerSecond
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = 1
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	return &Player{
		cfg:    cfg,
		log:    log,
		events: make(chan feeder.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

type source struct {
	opened   chan struct{}
	openOnce sync.Once
}

func (s *source) Opened() <-chan struct{} { return s.opened }

// SupportsIncrementalMedia reports whether codec is in the allow-list.
func (p *Player) SupportsIncrementalMedia(codec string) bool {
	return slices.Contains(p.cfg.Codecs, codec)
}

// CreateIncrementalSource returns a source that opens once attached.
func (p *Player) CreateIncrementalSource() (feeder.Source, error) {
	return &source{opened: make(chan struct{})}, nil
}

// AttachSource binds src to the player and opens it.
func (p *Player) AttachSource(src feeder.Source) error {
	s, ok := src.(*source)
	if !ok {
		return fmt.Errorf("player: foreign source %T", src)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != nil && p.source != s {
		return errors.New("player: another source is attached")
	}
	p.source = s
	s.openOnce.Do(func() { close(s.opened) })
	return nil
}

// OpenAppendTarget returns the player's single buffer.
func (p *Player) OpenAppendTarget(src feeder.Source, codec string) (feeder.AppendTarget, error) {
	if !p.SupportsIncrementalMedia(codec) {
		return nil, &feeder.UnsupportedEnvironmentError{Codec: codec}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil || p.source != src {
		return nil, errors.New("player: source is not attached")
	}
	if p.opened {
		return nil, errors.New("player: append target already open")
	}
	p.opened = true
	return p, nil
}

// UseDirectPlayback records that the resource is played without appends.
func (p *Player) UseDirectPlayback(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.directURL = url
	p.log.Info("direct playback", slog.String("url", url))
	return nil
}

// Append writes data to the output after AppendLatency and then reports
// EventAppendCompleted, or EventAppendFailed if the write fails.
func (p *Player) Append(data []byte) error {
	p.mu.Lock()
	if p.updating {
		p.mu.Unlock()
		return feeder.ErrAppendBusy
	}
	if p.ended {
		p.mu.Unlock()
		return errors.New("player: append after end of stream")
	}
	p.updating = true
	p.mu.Unlock()

	go p.finishAppend(data)
	return nil
}

func (p *Player) finishAppend(data []byte) {
	if p.cfg.AppendLatency > 0 {
		t := time.NewTimer(p.cfg.AppendLatency)
		select {
		case <-p.done:
			t.Stop()
			return
		case <-t.C:
		}
	}

	_, err := p.cfg.Output.Write(data)

	p.mu.Lock()
	p.updating = false
	if err == nil {
		p.appended += int64(len(data))
	}
	p.mu.Unlock()

	ev := feeder.Event{Kind: feeder.EventAppendCompleted}
	if err != nil {
		ev = feeder.Event{Kind: feeder.EventAppendFailed, Err: err}
	}
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// BufferedIntervals returns [0, appended/bitrate] once PrimeBytes are in or
// the stream has ended.
func (p *Player) BufferedIntervals() []feeder.TimeRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferedLocked()
}

func (p *Player) bufferedLocked() []feeder.TimeRange {
	if p.appended == 0 || (p.appended < p.cfg.PrimeBytes && !p.ended) {
		return nil
	}
	return []feeder.TimeRange{{Start: 0, End: float64(p.appended) / p.cfg.BytesPerSecond}}
}

// CurrentPosition returns the play head in seconds.
func (p *Player) CurrentPosition() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Events delivers append and playback notifications.
func (p *Player) Events() <-chan feeder.Event { return p.events }

// EndOfStream marks that no more appends will follow.
func (p *Player) EndOfStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updating {
		return feeder.ErrAppendBusy
	}
	p.ended = true
	return nil
}

// Tick advances playback by wall-clock d and reports the position. Playback
// never runs past the buffered end. It returns whether the position moved.
func (p *Player) Tick(d time.Duration) bool {
	p.mu.Lock()
	buffered := p.bufferedLocked()
	if len(buffered) == 0 {
		p.mu.Unlock()
		return false
	}
	end := buffered[len(buffered)-1].End
	next := p.position
	if next < end {
		next = min(next+d.Seconds()*p.cfg.PlaybackRate, end)
	}
	moved := next > p.position
	p.position = next
	pos := p.position
	p.mu.Unlock()

	// A play head parked at the buffered end still reports, so a dropped
	// notification cannot leave the loop waiting forever.
	p.notify(feeder.Event{Kind: feeder.EventPositionAdvanced, Position: pos})
	return moved
}

// Seek moves the play head and reports EventPositionJumped.
func (p *Player) Seek(position float64) error {
	if position < 0 {
		return fmt.Errorf("player: negative seek position %v", position)
	}
	p.mu.Lock()
	p.position = position
	p.mu.Unlock()
	p.notify(feeder.Event{Kind: feeder.EventPositionJumped, Position: position})
	return nil
}

// notify drops position events when the loop is behind; the next one carries
// the same information.
func (p *Player) notify(ev feeder.Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// Run drives the playback clock every TickInterval until ctx ends, the
// player is closed, or the whole stream has been played.
func (p *Player) Run(ctx context.Context) {
	if p.cfg.TickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.Tick(p.cfg.TickInterval)
			if p.finished() {
				p.log.Debug("playback finished", slog.Float64("position", p.CurrentPosition()))
				return
			}
		}
	}
}

func (p *Player) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	buffered := p.bufferedLocked()
	if !p.ended {
		return false
	}
	return len(buffered) == 0 || p.position >= buffered[len(buffered)-1].End
}

// State returns a snapshot.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Position:  p.position,
		Buffered:  p.bufferedLocked(),
		Appended:  p.appended,
		Ended:     p.ended,
		Direct:    p.directURL != "",
		DirectURL: p.directURL,
	}
}

// Close stops the clock and abandons any pending append.
func (p *Player) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
