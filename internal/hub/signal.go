package hub

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Signal is a message that triggers an action when received. Control change
// signals compare the controller number and, unless AnyValue is set, the value.
// Note signals match a note on of the same key with any non-zero velocity.
type Signal struct {
	Message    midi.Message
	AnyValue   bool
	AnyChannel bool
}

// ControlSignal builds a control change signal. A negative value matches any
// value and a negative controller yields an undefined signal.
func ControlSignal(channel uint8, controller, value int) Signal {
	if controller < 0 {
		return Signal{}
	}
	if value < 0 {
		return Signal{Message: midi.ControlChange(channel, uint8(controller), 0), AnyValue: true}
	}
	return Signal{Message: midi.ControlChange(channel, uint8(controller), uint8(value))}
}

// NoteSignal builds a signal triggered by a key press.
func NoteSignal(channel, key uint8) Signal {
	return Signal{Message: midi.NoteOn(channel, key, 127)}
}

// Defined reports whether the signal can match anything.
func (s Signal) Defined() bool { return len(s.Message) > 0 }

// IsControl reports whether the signal is a control change.
func (s Signal) IsControl() bool {
	var ch, cc, val uint8
	return s.Message.GetControlChange(&ch, &cc, &val)
}

// Matches reports whether msg triggers the signal.
func (s Signal) Matches(msg midi.Message) bool {
	if !s.Defined() || len(msg) == 0 {
		return false
	}

	var sch, skey, sval uint8
	var mch, mkey, mval uint8
	switch {
	case s.Message.GetControlChange(&sch, &skey, &sval):
		if !msg.GetControlChange(&mch, &mkey, &mval) || mkey != skey {
			return false
		}
		if !s.AnyValue && mval != sval {
			return false
		}
	case s.Message.GetNoteStart(&sch, &skey, &sval):
		if !msg.GetNoteStart(&mch, &mkey, &mval) || mkey != skey {
			return false
		}
	default:
		return false
	}
	return s.AnyChannel || mch == sch
}

// SameControl reports whether both signals are control changes on the same
// channel and controller, regardless of value.
func (s Signal) SameControl(o Signal) bool {
	var ach, acc, aval, bch, bcc, bval uint8
	if !s.Message.GetControlChange(&ach, &acc, &aval) || !o.Message.GetControlChange(&bch, &bcc, &bval) {
		return false
	}
	return ach == bch && acc == bcc
}

// Equal reports whether both signals are identical.
func (s Signal) Equal(o Signal) bool {
	return s.AnyValue == o.AnyValue && s.AnyChannel == o.AnyChannel && string(s.Message) == string(o.Message)
}

// ControlValue extracts the value of a control change message.
func ControlValue(msg midi.Message) (uint8, bool) {
	var ch, cc, val uint8
	if !msg.GetControlChange(&ch, &cc, &val) {
		return 0, false
	}
	return val, true
}

func (s Signal) String() string {
	if !s.Defined() {
		return "none"
	}
	var ch, a, b uint8
	switch {
	case s.Message.GetControlChange(&ch, &a, &b):
		if s.AnyValue {
			return fmt.Sprintf("control_change channel=%d control=%d", ch, a)
		}
		return fmt.Sprintf("control_change channel=%d control=%d value=%d", ch, a, b)
	case s.Message.GetNoteStart(&ch, &a, &b):
		return fmt.Sprintf("note_on channel=%d note=%d", ch, a)
	}
	return s.Message.String()
}

// Controls is the set of signals the hub reacts to.
type Controls struct {
	Start             Signal
	Stop              Signal
	MetronomeVelocity Signal
}

// DefaultControls uses the modulation wheel to start (127) and stop (0)
// capture, and control 60 for the metronome velocity.
func DefaultControls() Controls {
	return Controls{
		Start:             ControlSignal(0, 1, 127),
		Stop:              ControlSignal(0, 1, 0),
		MetronomeVelocity: ControlSignal(0, 60, -1),
	}
}
