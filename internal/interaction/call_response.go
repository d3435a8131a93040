package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
)

func (e *Engine) runCallResponse(ctx context.Context) error {
	if err := e.waitForStart(ctx); err != nil {
		return err
	}

	for {
		stop, cancelStop := e.hub.Await(e.hub.Controls().Stop)
		if err := e.startCapture(); err != nil {
			cancelStop()
			return err
		}

		call, err := e.capturePhrase(ctx, stop)
		cancelStop()
		fmt.Fprintln(e.console)
		if err != nil {
			return err
		}
		if call.Len() == 0 {
			e.logger.Info("Captured an empty phrase; capturing again")
			continue
		}

		e.record(RoleCall, call)
		e.emit(Event{Kind: PhraseCaptured, Notes: call.Len()})
		if err := e.answer(ctx, call); err != nil {
			return err
		}
	}
}

// capturePhrase returns the phrase once the stop signal arrives or on the
// first downbeat at least the configured number of bars after the
// quarter-aligned start of the capture.
func (e *Engine) capturePhrase(ctx context.Context, stop <-chan struct{}) (*sequence.NoteSequence, error) {
	positions, unsubscribe := e.hub.Metronome().Subscribe()
	defer unsubscribe()

	quarter := sequence.QuarterDuration(e.cfg.QPM)
	length := time.Duration(e.cfg.PhraseBars)*sequence.QuartersPerBar*quarter - quarter/2

	for {
		select {
		case <-ctx.Done():
			e.hub.StopCapture()
			return nil, ctx.Err()
		case <-stop:
			return e.hub.StopCapture(), nil
		case p := <-positions:
			if e.cfg.PhraseBars <= 0 || !p.IsDownbeat() {
				continue
			}
			start, ok := e.hub.SequenceStart()
			if !ok {
				continue
			}
			if !p.At.Before(start.Add(length)) {
				return e.hub.StopCapture(), nil
			}
		}
	}
}

// answer generates the response to call and plays it. A start signal from
// the end of the call on abandons the response.
func (e *Engine) answer(ctx context.Context, call *sequence.NoteSequence) error {
	interrupt, cancel := e.hub.Await(e.hub.Controls().Start)
	defer cancel()

	e.setState(Generating)
	out, section, err := e.generate(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	response := out.Window(section.Start, section.End)
	e.record(RoleResponse, response)
	return e.respond(ctx, response, interrupt)
}

// respond plays the response from the next downbeat.
func (e *Engine) respond(ctx context.Context, response *sequence.NoteSequence, interrupt <-chan struct{}) error {
	if _, err := e.nextDownbeat(ctx, interrupt); err != nil {
		if errors.Is(err, errInterrupted) {
			e.logger.Info("Response skipped by start signal")
			return nil
		}
		return err
	}
	e.setState(Responding)

	previous := e.hub.MetronomeVelocity()
	e.hub.SetMetronomeVelocity(e.cfg.PlaybackVelocity)
	defer func() {
		// Keep a velocity the player dialled in during the response.
		if e.hub.MetronomeVelocity() == e.cfg.PlaybackVelocity {
			e.hub.SetMetronomeVelocity(previous)
		}
	}()

	player, err := e.hub.StartPlayback(sequence.ToMessages(response, e.cfg.Channel), 0)
	if err != nil {
		return err
	}
	e.emit(Event{Kind: PlaybackStarted, Notes: response.Len()})

	select {
	case <-player.Done():
		fmt.Fprintln(e.console, "Done")
	case <-interrupt:
		e.hub.StopPlayback()
		e.logger.Info("Response interrupted by start signal")
	case <-ctx.Done():
		e.hub.StopPlayback()
		return ctx.Err()
	}
	return nil
}
