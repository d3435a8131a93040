package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/leandrodaf/midibridge/internal/generator"
	"github.com/leandrodaf/midibridge/internal/sequence"
)

type generation struct {
	epoch   int
	seq     *sequence.NoteSequence
	section generator.Section
	err     error
}

// runContinuous keeps capturing and regenerates near the end of every bar
// that brought new notes. Each response starts on the following downbeat.
func (e *Engine) runContinuous(ctx context.Context) error {
	if err := e.waitForStart(ctx); err != nil {
		return err
	}
	if err := e.startCapture(); err != nil {
		return err
	}

	positions, unsubscribe := e.hub.Metronome().Subscribe()
	stop, cancelStop := e.hub.Await(e.hub.Controls().Stop)
	defer func() {
		unsubscribe()
		cancelStop()
	}()

	results := make(chan generation, 1)
	var (
		epoch      int
		generating bool
		prevLen    int
		pending    *sequence.NoteSequence
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stop:
			cancelStop()
			unsubscribe()
			e.hub.StopPlayback()
			e.hub.StopCapture()
			e.hub.StopMetronome()
			fmt.Fprintln(e.console)
			epoch++
			generating, prevLen, pending = false, 0, nil

			if err := e.waitForStart(ctx); err != nil {
				return err
			}
			if err := e.startCapture(); err != nil {
				return err
			}
			positions, unsubscribe = e.hub.Metronome().Subscribe()
			stop, cancelStop = e.hub.Await(e.hub.Controls().Stop)

		case r := <-results:
			if r.epoch != epoch {
				continue
			}
			generating = false
			if r.err != nil {
				e.setState(Capturing)
				continue
			}
			pending = r.seq
			e.record(RoleResponse, r.seq.Window(r.section.Start, r.section.End))

		case p := <-positions:
			if pending != nil && p.IsDownbeat() {
				e.play(pending, p.At)
				pending = nil
			}
			if generating || p.InBar() < generationWindow {
				continue
			}
			call := e.hub.FlashCapture()
			if call.Len() == 0 || call.Len() == prevLen {
				continue
			}
			prevLen = call.Len()
			generating = true

			e.record(RoleCall, call)
			e.emit(Event{Kind: PhraseCaptured, Notes: call.Len()})
			e.setState(Generating)
			go func(epoch int) {
				out, section, err := e.generate(ctx, call)
				select {
				case results <- generation{epoch: epoch, seq: out, section: section, err: err}:
				case <-ctx.Done():
				}
			}(epoch)
		}
	}
}

// play starts the generated sequence at the point of the capture timeline
// that corresponds to at.
func (e *Engine) play(seq *sequence.NoteSequence, at time.Time) {
	var offset time.Duration
	if start, ok := e.hub.SequenceStart(); ok {
		offset = at.Sub(start)
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := e.hub.StartPlayback(sequence.ToMessages(seq, e.cfg.Channel), offset); err != nil {
		e.logger.Warn("Failed to start playback", e.logger.Field().Error("error", err))
		return
	}
	e.setState(Responding)
	e.emit(Event{Kind: PlaybackStarted, Notes: seq.Len()})
}
