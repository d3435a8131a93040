// Package sequence holds the note sequences exchanged between the MIDI hub and
// the generators, and converts them to timed MIDI messages or Standard MIDI Files.
package sequence

import (
	"sort"
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// QuartersPerBar assumes 4/4 everywhere.
const QuartersPerBar = 4

// DefaultQPM is used when a sequence carries no tempo.
const DefaultQPM = 120.0

// Note is a single monophonic note. Start and End are offsets from the start of
// the sequence.
type Note struct {
	Pitch    uint8
	Velocity uint8
	Start    time.Duration
	End      time.Duration
}

// Duration returns End - Start.
func (n Note) Duration() time.Duration { return n.End - n.Start }

// Tempo is a quarters-per-minute marking.
type Tempo struct {
	QPM float64
}

// NoteSequence is an ordered list of notes plus tempo information.
type NoteSequence struct {
	Notes  []Note
	Tempos []Tempo
}

// New returns an empty sequence at the given tempo.
func New(qpm float64) *NoteSequence {
	return &NoteSequence{Tempos: []Tempo{{QPM: qpm}}}
}

// QPM returns the first tempo, or DefaultQPM.
func (s *NoteSequence) QPM() float64 {
	if s == nil || len(s.Tempos) == 0 || s.Tempos[0].QPM <= 0 {
		return DefaultQPM
	}
	return s.Tempos[0].QPM
}

// QuarterDuration is the length of one quarter note at QPM.
func (s *NoteSequence) QuarterDuration() time.Duration {
	return QuarterDuration(s.QPM())
}

// BarDuration is the length of one 4/4 bar at QPM.
func (s *NoteSequence) BarDuration() time.Duration {
	return QuartersPerBar * s.QuarterDuration()
}

// QuarterDuration converts a tempo into the length of a quarter note.
func QuarterDuration(qpm float64) time.Duration {
	return time.Duration(float64(time.Minute) / qpm)
}

// LastEndTime returns the latest note end, or 0 for an empty sequence.
func (s *NoteSequence) LastEndTime() time.Duration {
	var last time.Duration
	for _, n := range s.Notes {
		if n.End > last {
			last = n.End
		}
	}
	return last
}

// Len returns the number of notes.
func (s *NoteSequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Notes)
}

// Clone returns a deep copy.
func (s *NoteSequence) Clone() *NoteSequence {
	if s == nil {
		return nil
	}
	c := &NoteSequence{
		Notes:  make([]Note, len(s.Notes)),
		Tempos: make([]Tempo, len(s.Tempos)),
	}
	copy(c.Notes, s.Notes)
	copy(c.Tempos, s.Tempos)
	return c
}

// SortByStart orders notes by start time, keeping insertion order for ties.
func (s *NoteSequence) SortByStart() {
	sort.SliceStable(s.Notes, func(i, j int) bool { return s.Notes[i].Start < s.Notes[j].Start })
}

// Window returns the notes starting in [from, to), shifted so that from becomes 0.
// A to of 0 or less means no upper bound. Note ends are not clipped.
func (s *NoteSequence) Window(from, to time.Duration) *NoteSequence {
	w := &NoteSequence{Tempos: make([]Tempo, len(s.Tempos))}
	copy(w.Tempos, s.Tempos)
	for _, n := range s.Notes {
		if n.Start < from || (to > 0 && n.Start >= to) {
			continue
		}
		n.Start -= from
		n.End -= from
		w.Notes = append(w.Notes, n)
	}
	w.SortByStart()
	return w
}

// TimedMessage is a MIDI message scheduled at an offset from the sequence start.
type TimedMessage struct {
	At      time.Duration
	Message midi.Message
}

// ToMessages flattens the sequence into note on/off messages on channel,
// stably sorted by time with note offs first on ties.
func ToMessages(s *NoteSequence, channel uint8) []TimedMessage {
	msgs := make([]TimedMessage, 0, 2*len(s.Notes))
	for _, n := range s.Notes {
		end := n.End
		if end < n.Start {
			end = n.Start
		}
		msgs = append(msgs,
			TimedMessage{At: n.Start, Message: midi.NoteOn(channel, n.Pitch, n.Velocity)},
			TimedMessage{At: end, Message: midi.NoteOffVelocity(channel, n.Pitch, n.Velocity)},
		)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].At != msgs[j].At {
			return msgs[i].At < msgs[j].At
		}
		return isNoteEnd(msgs[i].Message) && !isNoteEnd(msgs[j].Message)
	})
	return msgs
}

func isNoteEnd(msg midi.Message) bool {
	var ch, key uint8
	return msg.GetNoteEnd(&ch, &key)
}
