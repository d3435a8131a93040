package sequence_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
)

const ms = time.Millisecond

func TestNoteSequence_Timing(t *testing.T) {
	t.Run("Uses the first tempo", func(t *testing.T) {
		s := sequence.New(90)
		assertDuration(t, s.QuarterDuration(), 666666666*time.Nanosecond)
		assertDuration(t, s.BarDuration(), 4*666666666*time.Nanosecond)
	})

	t.Run("Falls back to the default tempo", func(t *testing.T) {
		s := &sequence.NoteSequence{}
		if s.QPM() != sequence.DefaultQPM {
			t.Errorf("got qpm %v", s.QPM())
		}
		assertDuration(t, s.QuarterDuration(), 500*ms)
	})

	t.Run("Finds the last end time regardless of order", func(t *testing.T) {
		s := sequence.New(120)
		s.Notes = []sequence.Note{
			{Pitch: 60, Start: 0, End: 900 * ms},
			{Pitch: 62, Start: 100 * ms, End: 300 * ms},
		}
		assertDuration(t, s.LastEndTime(), 900*ms)
		assertDuration(t, (&sequence.NoteSequence{}).LastEndTime(), 0)
	})
}

func TestNoteSequence_Clone(t *testing.T) {
	s := sequence.New(100)
	s.Notes = append(s.Notes, sequence.Note{Pitch: 64, Velocity: 80, Start: 0, End: 250 * ms})

	c := s.Clone()
	c.Notes[0].Pitch = 10
	c.Tempos[0].QPM = 10

	if s.Notes[0].Pitch != 64 || s.QPM() != 100 {
		t.Error("clone shares storage with the original")
	}
	if (*sequence.NoteSequence)(nil).Clone() != nil {
		t.Error("nil clone should stay nil")
	}
}

func TestNoteSequence_Window(t *testing.T) {
	s := sequence.New(120)
	s.Notes = []sequence.Note{
		{Pitch: 60, Start: 0, End: 400 * ms},
		{Pitch: 67, Start: 2500 * ms, End: 2900 * ms},
		{Pitch: 64, Start: 2000 * ms, End: 2400 * ms},
		{Pitch: 72, Start: 5000 * ms, End: 5400 * ms},
	}

	w := s.Window(2000*ms, 4000*ms)
	if w.Len() != 2 {
		t.Fatalf("got %d notes, want 2", w.Len())
	}
	if w.Notes[0].Pitch != 64 || w.Notes[0].Start != 0 || w.Notes[1].Start != 500*ms {
		t.Errorf("unexpected window %+v", w.Notes)
	}

	open := s.Window(2000*ms, 0)
	if open.Len() != 3 {
		t.Errorf("open window got %d notes, want 3", open.Len())
	}
}

func TestToMessages(t *testing.T) {
	s := sequence.New(120)
	s.Notes = []sequence.Note{
		{Pitch: 62, Velocity: 90, Start: 500 * ms, End: 1000 * ms},
		{Pitch: 60, Velocity: 100, Start: 0, End: 500 * ms},
		{Pitch: 60, Velocity: 100, Start: 1000 * ms, End: 1500 * ms},
	}

	msgs := sequence.ToMessages(s, 2)
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}

	for i := 1; i < len(msgs); i++ {
		if msgs[i].At < msgs[i-1].At {
			t.Fatalf("messages out of order at %d", i)
		}
	}

	t.Run("Puts note offs before note ons at the same time", func(t *testing.T) {
		var ch, key, vel uint8
		if !msgs[1].Message.GetNoteEnd(&ch, &key) || key != 60 {
			t.Errorf("expected note off for 60 at 500ms, got %v", msgs[1].Message)
		}
		if !msgs[2].Message.GetNoteStart(&ch, &key, &vel) || key != 62 || ch != 2 {
			t.Errorf("expected note on for 62 on channel 2, got %v", msgs[2].Message)
		}
	})

	t.Run("Keeps repeated identical notes", func(t *testing.T) {
		count := 0
		for _, m := range msgs {
			var ch, key, vel uint8
			if m.Message.GetNoteStart(&ch, &key, &vel) && key == 60 {
				count++
			}
		}
		if count != 2 {
			t.Errorf("got %d note ons for pitch 60, want 2", count)
		}
	})
}

func TestWriteSMF(t *testing.T) {
	s := sequence.New(90)
	s.Notes = []sequence.Note{
		{Pitch: 60, Velocity: 100, Start: 0, End: 300 * ms},
		{Pitch: 64, Velocity: 100, Start: 333 * ms, End: 600 * ms},
	}

	t.Run("Encodes a standard MIDI file header", func(t *testing.T) {
		var buf bytes.Buffer
		if err := sequence.EncodeSMF(s, 0, &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.HasPrefix(buf.Bytes(), []byte("MThd")) {
			t.Errorf("missing MThd header: % x", buf.Bytes()[:8])
		}
		if !bytes.Contains(buf.Bytes(), []byte("MTrk")) {
			t.Error("missing track chunk")
		}
	})

	t.Run("Writes the file to disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "call.mid")
		if err := sequence.WriteSMF(s, 0, path); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			t.Errorf("file not written: %v", err)
		}
	})
}

func assertDuration(t *testing.T, got, want time.Duration) {
	t.Helper()
	if got != want {
		t.Errorf("got duration %v, want %v", got, want)
	}
}
