package hub

import (
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
)

const (
	allSoundOff = 120
	allNotesOff = 123
)

// Player sends timed messages to an output. Messages timed before the start
// offset are skipped, the rest are sent at start + (At - offset).
type Player struct {
	out    Sender
	logger contracts.Logger
	msgs   []sequence.TimedMessage
	offset time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPlayer prepares playback of msgs from offset.
func NewPlayer(out Sender, logger contracts.Logger, msgs []sequence.TimedMessage, offset time.Duration) *Player {
	return &Player{
		out:    out,
		logger: logger,
		msgs:   msgs,
		offset: offset,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start plays in the background, with the offset mapped to now.
func (p *Player) Start() {
	go p.run(time.Now())
}

// Stop interrupts playback, silences the output and waits for the player to
// finish. Stopping a finished player does nothing.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Done is closed once playback has finished or was stopped.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) run(playStart time.Time) {
	defer close(p.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	sent := 0
	for _, m := range p.msgs {
		if m.At < p.offset {
			continue
		}

		select {
		case <-p.stop:
			p.silence()
			return
		default:
		}

		if delta := (m.At - p.offset) - time.Since(playStart); delta > 0 {
			timer.Reset(delta)
			select {
			case <-p.stop:
				p.silence()
				return
			case <-timer.C:
			}
		}

		if err := p.out.Send(m.Message); err != nil {
			p.logger.Warn("Failed to send playback message", p.logger.Field().Error("error", err))
			continue
		}
		sent++
	}
	p.logger.Debug("Playback done", p.logger.Field().Int("messages", sent))
}

// silence turns every sound off on all sixteen channels.
func (p *Player) silence() {
	for ch := uint8(0); ch < 16; ch++ {
		_ = p.out.Send(midi.ControlChange(ch, allSoundOff, 0))
		_ = p.out.Send(midi.ControlChange(ch, allNotesOff, 0))
	}
}
