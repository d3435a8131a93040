package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
)

// Metronome click parameters.
const (
	SubticksPerQuarter = 16
	ClickDuration      = 50 * time.Millisecond

	BeatPitch         = 95
	DefaultVelocity   = 64
	DownbeatPitch     = 102
	DownbeatVelocity  = 70
	subscriberBacklog = 16
)

// Sender is the part of an output port the hub writes to.
type Sender interface {
	Send(msg midi.Message) error
}

// Position is the metronome position at a subtick.
type Position struct {
	Tick      int64 // subticks since start
	Beat      int64 // quarters since start
	BeatInBar int
	Sub       int
	Bar       int64
	At        time.Time
}

// IsDownbeat reports whether the position is the first subtick of a bar.
func (p Position) IsDownbeat() bool { return p.BeatInBar == 0 && p.Sub == 0 }

// IsBeat reports whether the position falls on a quarter.
func (p Position) IsBeat() bool { return p.Sub == 0 }

// Beats is the running quarter counter, starting at 1 on the first tick.
func (p Position) Beats() float64 {
	return 1 + float64(p.Tick)/SubticksPerQuarter
}

// InBar is the position inside the bar in subticks.
func (p Position) InBar() int { return p.BeatInBar*SubticksPerQuarter + p.Sub }

func positionAt(tick int64, at time.Time) Position {
	beat := tick / SubticksPerQuarter
	return Position{
		Tick:      tick,
		Beat:      beat,
		BeatInBar: int(beat % sequence.QuartersPerBar),
		Sub:       int(tick % SubticksPerQuarter),
		Bar:       beat / sequence.QuartersPerBar,
		At:        at,
	}
}

// Metronome clicks every quarter on an output, accenting the downbeat, and
// publishes its position on every subtick.
type Metronome struct {
	out      Sender
	logger   contracts.Logger
	channel  uint8
	period   time.Duration
	qpm      float64
	velocity atomic.Uint32

	mu      sync.Mutex
	start   time.Time
	last    Position
	ticked  bool
	subs    map[chan Position]struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewMetronome builds a stopped metronome.
func NewMetronome(out Sender, logger contracts.Logger, qpm float64, channel uint8) *Metronome {
	m := &Metronome{
		out:     out,
		logger:  logger,
		channel: channel,
		qpm:     qpm,
		period:  sequence.QuarterDuration(qpm) / SubticksPerQuarter,
		subs:    map[chan Position]struct{}{},
	}
	if m.period <= 0 {
		m.period = 1
	}
	m.velocity.Store(DefaultVelocity)
	return m
}

// QPM is the metronome tempo.
func (m *Metronome) QPM() float64 { return m.qpm }

// SetVelocity changes the beat click velocity. Zero mutes every click.
func (m *Metronome) SetVelocity(v uint8) {
	if v > 127 {
		v = 127
	}
	m.velocity.Store(uint32(v))
}

// Velocity returns the beat click velocity.
func (m *Metronome) Velocity() uint8 { return uint8(m.velocity.Load()) }

// Start begins ticking with tick zero at start. Calling Start on a running
// metronome does nothing.
func (m *Metronome) Start(start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.start = start
	m.ticked = false
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	go m.run(start, m.stop, m.done)
}

// Stop halts the metronome and waits for its goroutine.
func (m *Metronome) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the metronome is ticking.
func (m *Metronome) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartTime is the time of tick zero.
func (m *Metronome) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

// Position returns the last published position.
func (m *Metronome) Position() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.ticked
}

// Subscribe returns a channel receiving every position. Slow subscribers miss
// positions. The returned func unsubscribes.
func (m *Metronome) Subscribe() (<-chan Position, func()) {
	ch := make(chan Position, subscriberBacklog)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

func (m *Metronome) run(start time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	var tick int64
	for {
		at := start.Add(time.Duration(tick) * m.period)
		if wait := time.Until(at); wait > 0 {
			timer.Reset(wait)
			select {
			case <-stop:
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
			// Skip ticks that are already a full period late.
			if late := -wait; late >= m.period {
				tick += int64(late / m.period)
				at = start.Add(time.Duration(tick) * m.period)
			}
		}

		pos := positionAt(tick, at)
		if pos.IsBeat() {
			m.click(pos)
		}
		m.publish(pos)
		tick++
	}
}

func (m *Metronome) click(pos Position) {
	velocity := m.Velocity()
	if velocity == 0 {
		return
	}

	pitch := uint8(BeatPitch)
	if pos.IsDownbeat() {
		pitch, velocity = DownbeatPitch, DownbeatVelocity
	}

	if err := m.out.Send(midi.NoteOn(m.channel, pitch, velocity)); err != nil {
		m.logger.Warn("Failed to send metronome click", m.logger.Field().Error("error", err))
		return
	}
	time.AfterFunc(ClickDuration, func() {
		_ = m.out.Send(midi.NoteOffVelocity(m.channel, pitch, 0))
	})
}

func (m *Metronome) publish(pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = pos
	m.ticked = true
	for ch := range m.subs {
		select {
		case ch <- pos:
		default:
		}
	}
}
