// Package hub captures monophonic phrases from a MIDI input against a
// metronome, reacts to control signals and plays sequences back on an output.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
)

// ErrClosed is returned by operations on a closed hub.
var ErrClosed = errors.New("hub closed")

type options struct {
	logger           contracts.Logger
	controls         Controls
	thru             bool
	channel          uint8
	velocity         uint8
	bufferSize       int
	now              func() time.Time
	onNote           func(sequence.Note)
	onControl        func(Signal, midi.Message)
	metronomeEnabled bool
}

// Option configures a Hub.
type Option func(*options)

// WithLogger sets the hub logger.
func WithLogger(l contracts.Logger) Option { return func(o *options) { o.logger = l } }

// WithControls sets the start, stop and metronome velocity signals.
func WithControls(c Controls) Option { return func(o *options) { o.controls = c } }

// WithThru enables or disables forwarding of captured notes to the output.
func WithThru(thru bool) Option { return func(o *options) { o.thru = thru } }

// WithMetronomeChannel sets the channel of the metronome clicks.
func WithMetronomeChannel(ch uint8) Option { return func(o *options) { o.channel = ch & 0x0f } }

// WithMetronomeVelocity sets the initial beat click velocity.
func WithMetronomeVelocity(v uint8) Option { return func(o *options) { o.velocity = v } }

// WithMetronome enables or disables the metronome clicks. Positions are still
// published when disabled.
func WithMetronome(enabled bool) Option { return func(o *options) { o.metronomeEnabled = enabled } }

// WithBufferSize sets the size of the input event buffer.
func WithBufferSize(n int) Option { return func(o *options) { o.bufferSize = n } }

// WithClock replaces time.Now when closing notes.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithNoteCallback is called for every captured note on, outside the hub lock.
func WithNoteCallback(fn func(sequence.Note)) Option { return func(o *options) { o.onNote = fn } }

// WithControlCallback is called for every message matching a control signal.
func WithControlCallback(fn func(Signal, midi.Message)) Option {
	return func(o *options) { o.onControl = fn }
}

// Hub owns a MIDI input and output pair.
type Hub struct {
	opts   options
	logger contracts.Logger
	in     contracts.InputPort
	out    *lockedSender
	events chan contracts.Event

	mu            sync.Mutex
	controls      Controls
	velocity      uint8
	capturing     bool
	captured      *sequence.NoteSequence
	unclosed      map[uint8]int
	captureStart  time.Time
	sequenceStart time.Time
	started       bool
	waiters       map[*waiter]struct{}
	metronome     *Metronome
	player        *Player
	closed        bool

	quit chan struct{}
	wg   sync.WaitGroup
}

type waiter struct {
	sig  Signal
	done chan struct{}
}

// New starts reading in and returns the hub.
func New(in contracts.InputPort, out contracts.OutputPort, opts ...Option) *Hub {
	o := options{
		controls:         DefaultControls(),
		thru:             true,
		velocity:         DefaultVelocity,
		bufferSize:       256,
		now:              time.Now,
		metronomeEnabled: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewNopLogger()
	}

	h := &Hub{
		opts:     o,
		logger:   o.logger,
		in:       in,
		out:      &lockedSender{out: out},
		events:   make(chan contracts.Event, o.bufferSize),
		controls: o.controls,
		velocity: o.velocity,
		waiters:  map[*waiter]struct{}{},
		quit:     make(chan struct{}),
	}

	h.wg.Add(1)
	go h.dispatch()
	in.StartCapture(h.events)
	return h
}

// Close stops playback, the metronome and the input.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	player, metronome := h.player, h.metronome
	for w := range h.waiters {
		delete(h.waiters, w)
	}
	h.mu.Unlock()

	if player != nil {
		player.Stop()
	}
	if metronome != nil {
		metronome.Stop()
	}
	err := h.in.Close()
	close(h.quit)
	h.wg.Wait()
	return err
}

// Done is closed when the hub is closed.
func (h *Hub) Done() <-chan struct{} { return h.quit }

// Controls returns the active control signals.
func (h *Hub) Controls() Controls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controls
}

// SetControls replaces the control signals.
func (h *Hub) SetControls(c Controls) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = c
}

// Send writes msg to the output.
func (h *Hub) Send(msg midi.Message) error { return h.out.Send(msg) }

func (h *Hub) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev contracts.Event) {
	msg := ev.Message
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = h.opts.now()
	}

	h.mu.Lock()
	controls := h.controls

	for w := range h.waiters {
		if w.sig.Matches(msg) {
			close(w.done)
			delete(h.waiters, w)
		}
	}

	if controls.Start.Matches(msg) || controls.Stop.Matches(msg) {
		h.mu.Unlock()
		h.notifyControl(controls.Start, controls.Stop, msg)
		return
	}

	if controls.MetronomeVelocity.Matches(msg) {
		if v, ok := ControlValue(msg); ok {
			h.velocity = v
			if h.metronome != nil {
				h.metronome.SetVelocity(v)
			}
			h.logger.Debug("Metronome velocity changed", h.logger.Field().Uint8("velocity", v))
		}
		h.mu.Unlock()
		if h.opts.onControl != nil {
			h.opts.onControl(controls.MetronomeVelocity, msg)
		}
		return
	}

	var ch, key, vel uint8
	var opened *sequence.Note
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		if h.capturing {
			opened = h.openNote(msg, ts, key, vel)
		}
	case msg.GetNoteEnd(&ch, &key):
		if h.capturing {
			h.forward(msg)
			h.closeNote(key, ts)
		}
	}
	h.mu.Unlock()

	if opened != nil && h.opts.onNote != nil {
		h.opts.onNote(*opened)
	}
}

func (h *Hub) notifyControl(start, stop Signal, msg midi.Message) {
	if h.opts.onControl == nil {
		return
	}
	if start.Matches(msg) {
		h.opts.onControl(start, msg)
	}
	if stop.Matches(msg) && !stop.Equal(start) {
		h.opts.onControl(stop, msg)
	}
}

// openNote must be called with h.mu held.
func (h *Hub) openNote(msg midi.Message, ts time.Time, key, vel uint8) *sequence.Note {
	if !h.started {
		// Align the sequence start with the most recent metronome quarter.
		period := h.captured.QuarterDuration()
		since := ts.Sub(h.captureStart)
		if since < 0 {
			since = 0
		}
		h.sequenceStart = ts.Add(-(since % period))
		h.started = true
	}

	h.forward(msg)
	h.closeNote(key, ts)

	n := sequence.Note{Pitch: key, Velocity: vel, Start: ts.Sub(h.sequenceStart)}
	h.captured.Notes = append(h.captured.Notes, n)
	h.unclosed[key] = len(h.captured.Notes) - 1
	return &n
}

// closeNote must be called with h.mu held.
func (h *Hub) closeNote(key uint8, ts time.Time) {
	i, ok := h.unclosed[key]
	if !ok {
		return
	}
	end := ts.Sub(h.sequenceStart)
	if end < h.captured.Notes[i].Start {
		end = h.captured.Notes[i].Start
	}
	h.captured.Notes[i].End = end
	delete(h.unclosed, key)
}

func (h *Hub) forward(msg midi.Message) {
	if !h.opts.thru {
		return
	}
	if err := h.out.Send(msg); err != nil {
		h.logger.Warn("Failed to forward message", h.logger.Field().Error("error", err))
	}
}

// StartCapture begins a new capture at qpm and starts the metronome if it is
// not already running at that tempo. The capture is aligned to the metronome.
func (h *Hub) StartCapture(qpm float64) error {
	metronome, err := h.StartMetronome(qpm)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.captured = sequence.New(qpm)
	h.unclosed = map[uint8]int{}
	h.captureStart = metronome.StartTime()
	h.started = false
	h.capturing = true
	return nil
}

// Capturing reports whether a capture is in progress.
func (h *Hub) Capturing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capturing
}

// FlashCapture returns a copy of the capture so far with open notes ended now.
// Capture continues.
func (h *Hub) FlashCapture() *sequence.NoteSequence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

// StopCapture ends the capture and returns it. Open notes are ended now.
func (h *Hub) StopCapture() *sequence.NoteSequence {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.snapshot()
	h.capturing = false
	h.unclosed = map[uint8]int{}
	return seq
}

// snapshot must be called with h.mu held.
func (h *Hub) snapshot() *sequence.NoteSequence {
	if h.captured == nil {
		return nil
	}
	seq := h.captured.Clone()
	if len(h.unclosed) == 0 {
		return seq
	}
	end := h.opts.now().Sub(h.sequenceStart)
	for _, i := range h.unclosed {
		if end < seq.Notes[i].Start {
			seq.Notes[i].End = seq.Notes[i].Start
			continue
		}
		seq.Notes[i].End = end
	}
	return seq
}

// SequenceStart is the wall time of offset zero of the capture, known once the
// first note arrived.
func (h *Hub) SequenceStart() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sequenceStart, h.started
}

// Await registers a one-shot wait for sig. The channel is closed when a
// matching message arrives; cancel drops the registration.
func (h *Hub) Await(sig Signal) (<-chan struct{}, func()) {
	w := &waiter{sig: sig, done: make(chan struct{})}

	h.mu.Lock()
	if !h.closed && sig.Defined() {
		h.waiters[w] = struct{}{}
	}
	h.mu.Unlock()

	return w.done, func() {
		h.mu.Lock()
		delete(h.waiters, w)
		h.mu.Unlock()
	}
}

// WaitForSignal blocks until sig arrives or ctx is done.
func (h *Hub) WaitForSignal(ctx context.Context, sig Signal) error {
	done, cancel := h.Await(sig)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.quit:
		return ErrClosed
	}
}

// StartMetronome starts the metronome at qpm. A running metronome at another
// tempo is restarted.
func (h *Hub) StartMetronome(qpm float64) (*Metronome, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	current := h.metronome
	if current != nil && current.Running() && current.QPM() == qpm {
		h.mu.Unlock()
		return current, nil
	}
	h.mu.Unlock()

	if current != nil {
		current.Stop()
	}

	m := NewMetronome(h.clickSender(), h.logger, qpm, h.opts.channel)

	h.mu.Lock()
	m.SetVelocity(h.velocity)
	h.metronome = m
	h.mu.Unlock()

	m.Start(h.opts.now())
	return m, nil
}

// StopMetronome stops the metronome if it runs.
func (h *Hub) StopMetronome() {
	h.mu.Lock()
	m := h.metronome
	h.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// Metronome returns the current metronome, or nil.
func (h *Hub) Metronome() *Metronome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metronome
}

// SetMetronomeVelocity changes the click velocity.
func (h *Hub) SetMetronomeVelocity(v uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.velocity = v
	if h.metronome != nil {
		h.metronome.SetVelocity(v)
	}
}

// MetronomeVelocity returns the click velocity.
func (h *Hub) MetronomeVelocity() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.velocity
}

func (h *Hub) clickSender() Sender {
	if !h.opts.metronomeEnabled {
		return discard{}
	}
	return h.out
}

// StartPlayback plays msgs from offset, stopping any previous playback.
func (h *Hub) StartPlayback(msgs []sequence.TimedMessage, offset time.Duration) (*Player, error) {
	h.StopPlayback()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	p := NewPlayer(h.out, h.logger, msgs, offset)
	h.player = p
	p.Start()
	return p, nil
}

// StopPlayback stops the active playback, if any.
func (h *Hub) StopPlayback() {
	h.mu.Lock()
	p := h.player
	h.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// PlaybackDone is closed when the current playback ends. Without playback it
// is already closed.
func (h *Hub) PlaybackDone() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.player == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return h.player.Done()
}

type lockedSender struct {
	mu  sync.Mutex
	out contracts.OutputPort
}

func (s *lockedSender) Send(msg midi.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Send(msg)
}

type discard struct{}

func (discard) Send(midi.Message) error { return nil }
