// Package remap is the interactive tool that assigns start, stop and
// metronome controls to buttons of the connected controller.
package remap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
)

// Parameter is an assignable control.
type Parameter int

const (
	StartCapture Parameter = iota + 1
	StopCapture
	MetronomeVelocity
)

// Parameters lists the menu entries in order.
var Parameters = []Parameter{StartCapture, StopCapture, MetronomeVelocity}

func (p Parameter) String() string {
	switch p {
	case StartCapture:
		return "Start Capture"
	case StopCapture:
		return "Stop Capture"
	case MetronomeVelocity:
		return "Metronome velocity"
	}
	return fmt.Sprintf("Parameter(%d)", int(p))
}

// Messages printed by the tool.
const (
	msgNotANumber   = "Please enter a number..."
	msgNoParameter  = "There is no CC Parameter assigned to that number, please select from the list."
	msgOnlyCC       = "Sorry, I only accept MIDI CC messages for this parameter.."
	msgOnlyCCOrNote = "Sorry, I only accept buttons outputting MIDI CC and note messages...try again"
	msgNoteReserved = "You assigned this parameter to a musical note so it will not be available for musical content"
)

// Remapper runs the menu over a text console and a stream of MIDI events.
type Remapper struct {
	events   <-chan contracts.Event
	in       *bufio.Scanner
	out      io.Writer
	controls hub.Controls
}

// New builds a remapper starting from controls.
func New(events <-chan contracts.Event, stdin io.Reader, stdout io.Writer, controls hub.Controls) *Remapper {
	return &Remapper{
		events:   events,
		in:       bufio.NewScanner(stdin),
		out:      stdout,
		controls: controls,
	}
}

// Run shows the menu until the user picks 0, stdin ends or ctx is done, and
// returns the resulting controls.
func (r *Remapper) Run(ctx context.Context) (hub.Controls, error) {
	for {
		fmt.Fprintln(r.out, "0. None (Exit)")
		for i, p := range Parameters {
			fmt.Fprintf(r.out, "%d. %s\n", i+1, p)
		}
		fmt.Fprint(r.out, "Which CC Parameters would you like to map?\n>>>")

		if !r.in.Scan() {
			if err := r.in.Err(); err != nil {
				return r.controls, err
			}
			return r.controls, nil
		}

		choice, err := strconv.Atoi(strings.TrimSpace(r.in.Text()))
		if err != nil {
			fmt.Fprintln(r.out, msgNotANumber)
			continue
		}
		if choice == 0 {
			return r.controls, nil
		}
		if choice < 0 || choice > len(Parameters) {
			fmt.Fprintln(r.out, msgNoParameter)
			continue
		}

		param := Parameters[choice-1]
		if err := r.assign(ctx, param); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.controls, nil
			}
			return r.controls, err
		}
	}
}

// Controls returns the current assignment.
func (r *Remapper) Controls() hub.Controls { return r.controls }

func (r *Remapper) assign(ctx context.Context, param Parameter) error {
	for {
		r.drain()
		fmt.Fprintf(r.out, "What control or key would you like to assign to %s? Please press one now...\n", param)

		msg, err := r.receive(ctx)
		if err != nil {
			return err
		}

		if param == MetronomeVelocity {
			var ch, cc, val uint8
			if !msg.GetControlChange(&ch, &cc, &val) {
				fmt.Fprintln(r.out, msgOnlyCC)
				continue
			}
			r.controls.MetronomeVelocity = hub.ControlSignal(ch, int(cc), -1)
			return nil
		}

		sig, note, ok := signalFor(msg)
		if !ok {
			fmt.Fprintln(r.out, msgOnlyCCOrNote)
			continue
		}
		if note {
			fmt.Fprintln(r.out, msgNoteReserved)
		}

		var notices []string
		r.controls, notices = AssignCapture(r.controls, param, sig)
		for _, n := range notices {
			fmt.Fprintln(r.out, n)
		}
		return nil
	}
}

func (r *Remapper) receive(ctx context.Context) (midi.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-r.events:
		if !ok {
			return nil, io.EOF
		}
		return ev.Message, nil
	}
}

// drain discards pending input.
func (r *Remapper) drain() {
	for {
		select {
		case <-r.events:
		default:
			return
		}
	}
}

func signalFor(msg midi.Message) (sig hub.Signal, note, ok bool) {
	var ch, a, b uint8
	switch {
	case msg.GetNoteStart(&ch, &a, &b):
		return hub.NoteSignal(ch, a), true, true
	case msg.GetControlChange(&ch, &a, &b):
		return hub.ControlSignal(ch, int(a), int(b)), false, true
	}
	return hub.Signal{}, false, false
}

// AssignCapture sets the start or stop signal to sig. An identical control
// change on both signals toggles capture. A control change on the same
// controller as the other signal with another value splits the controller:
// 127 starts and 0 stops.
func AssignCapture(c hub.Controls, param Parameter, sig hub.Signal) (hub.Controls, []string) {
	target, other := &c.Start, c.Stop
	otherName := StopCapture
	if param == StopCapture {
		target, other = &c.Stop, c.Start
		otherName = StartCapture
	}

	switch {
	case !other.Defined():
		*target = sig
	case sig.Equal(other):
		*target = sig
		if sig.IsControl() {
			return c, []string{fmt.Sprintf("You sent an identical CC message for %s, this will act as a toggle between Start and Stop.", otherName)}
		}
	case sig.IsControl() && sig.SameControl(other):
		var ch, cc, val uint8
		sig.Message.GetControlChange(&ch, &cc, &val)
		c.Start = hub.ControlSignal(ch, int(cc), 127)
		c.Stop = hub.ControlSignal(ch, int(cc), 0)
		return c, []string{
			"You sent a CC message with the same controller but a different value...",
			"A message with max value (127) will start capture.",
			"A message with min value (0) will stop capture.",
		}
	default:
		*target = sig
	}
	return c, nil
}
