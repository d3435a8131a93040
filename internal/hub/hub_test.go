package hub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/internal/midi/midivirtual"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"gitlab.com/gomidi/midi/v2"
)

const ms = time.Millisecond

func TestSignal_Matches(t *testing.T) {
	t.Run("Compares controller and value", func(t *testing.T) {
		sig := hub.ControlSignal(0, 1, 127)
		assertBool(t, sig.Matches(midi.ControlChange(0, 1, 127)), true)
		assertBool(t, sig.Matches(midi.ControlChange(0, 1, 0)), false)
		assertBool(t, sig.Matches(midi.ControlChange(0, 2, 127)), false)
		assertBool(t, sig.Matches(midi.ControlChange(3, 1, 127)), false)
	})

	t.Run("Accepts any value when the value is negative", func(t *testing.T) {
		sig := hub.ControlSignal(0, 60, -1)
		assertBool(t, sig.Matches(midi.ControlChange(0, 60, 12)), true)
		assertBool(t, sig.Matches(midi.NoteOn(0, 60, 12)), false)
	})

	t.Run("Is undefined for a negative controller", func(t *testing.T) {
		sig := hub.ControlSignal(0, -1, 0)
		assertBool(t, sig.Defined(), false)
		assertBool(t, sig.Matches(midi.ControlChange(0, 0, 0)), false)
	})

	t.Run("Matches note signals on key press only", func(t *testing.T) {
		sig := hub.NoteSignal(0, 21)
		assertBool(t, sig.Matches(midi.NoteOn(0, 21, 5)), true)
		assertBool(t, sig.Matches(midi.NoteOn(0, 21, 0)), false)
		assertBool(t, sig.Matches(midi.NoteOffVelocity(0, 21, 0)), false)
	})

	t.Run("Ignores the channel when asked", func(t *testing.T) {
		sig := hub.ControlSignal(0, 1, 0)
		sig.AnyChannel = true
		assertBool(t, sig.Matches(midi.ControlChange(9, 1, 0)), true)
	})
}

func TestPosition(t *testing.T) {
	p := hub.Position{Tick: 64, Beat: 4, BeatInBar: 0, Sub: 0, Bar: 1}
	assertBool(t, p.IsDownbeat(), true)
	if p.Beats() != 5 {
		t.Errorf("Beats() = %v, want 5", p.Beats())
	}

	q := hub.Position{Tick: 44, Beat: 2, BeatInBar: 2, Sub: 12}
	assertBool(t, q.IsDownbeat(), false)
	assertBool(t, q.IsBeat(), false)
	if q.InBar() != 44 {
		t.Errorf("InBar() = %d, want 44", q.InBar())
	}
}

func TestHub_Capture(t *testing.T) {
	t.Run("Aligns the sequence to the last quarter and forwards notes", func(t *testing.T) {
		h, in, out := newHub(t)
		assertError(t, h.StartCapture(600), nil)
		start := h.Metronome().StartTime()

		assertError(t, in.InjectAt(midi.NoteOn(0, 60, 100), start.Add(250*ms)), nil)
		assertError(t, in.InjectAt(midi.NoteOffVelocity(0, 60, 0), start.Add(450*ms)), nil)
		eventually(t, func() bool { return len(out.Sent()) == 2 })

		seq := h.StopCapture()
		if seq.Len() != 1 {
			t.Fatalf("got %d notes, want 1", seq.Len())
		}
		n := seq.Notes[0]
		if n.Pitch != 60 || n.Velocity != 100 || n.Start != 50*ms || n.End != 250*ms {
			t.Errorf("unexpected note %+v", n)
		}
		if seq.QPM() != 600 {
			t.Errorf("got qpm %v", seq.QPM())
		}
	})

	t.Run("Closes a repeated note before opening it again", func(t *testing.T) {
		h, in, out := newHub(t)
		assertError(t, h.StartCapture(600), nil)
		start := h.Metronome().StartTime()

		assertError(t, in.InjectAt(midi.NoteOn(0, 64, 90), start.Add(10*ms)), nil)
		assertError(t, in.InjectAt(midi.NoteOn(0, 64, 90), start.Add(60*ms)), nil)
		assertError(t, in.InjectAt(midi.NoteOn(0, 64, 0), start.Add(90*ms)), nil)
		eventually(t, func() bool { return len(out.Sent()) == 3 })

		seq := h.StopCapture()
		if seq.Len() != 2 {
			t.Fatalf("got %d notes, want 2", seq.Len())
		}
		if seq.Notes[0].End != 60*ms || seq.Notes[1].Start != 60*ms || seq.Notes[1].End != 90*ms {
			t.Errorf("unexpected notes %+v", seq.Notes)
		}
	})

	t.Run("Ends open notes when flashing", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		h, in, _ := newHub(t, hub.WithClock(clock.Now))
		assertError(t, h.StartCapture(600), nil)
		start := h.Metronome().StartTime()

		assertError(t, in.InjectAt(midi.NoteOn(0, 67, 80), start.Add(30*ms)), nil)
		eventually(t, func() bool { return h.FlashCapture().Len() == 1 })

		clock.Set(start.Add(500 * ms))
		seq := h.FlashCapture()
		if seq.Notes[0].Start != 30*ms || seq.Notes[0].End != 500*ms {
			t.Errorf("unexpected flashed note %+v", seq.Notes[0])
		}
		assertBool(t, h.Capturing(), true)
	})

	t.Run("Ignores notes outside a capture", func(t *testing.T) {
		h, in, out := newHub(t)
		assertError(t, in.Inject(midi.NoteOn(0, 60, 100)), nil)
		time.Sleep(20 * ms)
		if len(out.Sent()) != 0 || h.FlashCapture() != nil {
			t.Error("note captured without a capture session")
		}
	})

	t.Run("Does not forward when thru is disabled", func(t *testing.T) {
		h, in, out := newHub(t, hub.WithThru(false))
		assertError(t, h.StartCapture(600), nil)
		assertError(t, in.Inject(midi.NoteOn(0, 60, 100)), nil)
		eventually(t, func() bool { return h.FlashCapture().Len() == 1 })
		if len(out.Sent()) != 0 {
			t.Errorf("forwarded %d messages", len(out.Sent()))
		}
	})
}

func TestHub_Signals(t *testing.T) {
	t.Run("Wakes waiters without forwarding the signal", func(t *testing.T) {
		h, in, out := newHub(t)
		assertError(t, h.StartCapture(600), nil)

		done, cancel := h.Await(h.Controls().Start)
		defer cancel()
		assertError(t, in.Inject(midi.ControlChange(0, 1, 127)), nil)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("start signal never delivered")
		}
		if len(out.Sent()) != 0 {
			t.Errorf("signal was forwarded: %v", out.Sent())
		}
	})

	t.Run("Returns the context error when cancelled", func(t *testing.T) {
		h, _, _ := newHub(t)
		ctx, cancel := context.WithTimeout(context.Background(), 20*ms)
		defer cancel()
		assertError(t, h.WaitForSignal(ctx, h.Controls().Stop), context.DeadlineExceeded)
	})

	t.Run("Returns ErrClosed once the hub is closed", func(t *testing.T) {
		h, _, _ := newHub(t)
		assertError(t, h.Close(), nil)
		assertError(t, h.WaitForSignal(context.Background(), h.Controls().Start), hub.ErrClosed)
	})

	t.Run("Sets the metronome velocity from its control", func(t *testing.T) {
		h, in, _ := newHub(t)
		assertError(t, in.Inject(midi.ControlChange(0, 60, 30)), nil)
		eventually(t, func() bool { return h.MetronomeVelocity() == 30 })
	})
}

func TestMetronome(t *testing.T) {
	t.Run("Accents the downbeat and clicks each quarter", func(t *testing.T) {
		out := newOutput(t)
		m := hub.NewMetronome(out, logger.NewNopLogger(), 600, 9)
		positions, unsubscribe := m.Subscribe()
		defer unsubscribe()

		m.Start(time.Now())
		defer m.Stop()

		var beats []hub.Position
		for len(beats) < 2 {
			select {
			case p := <-positions:
				if p.IsBeat() {
					beats = append(beats, p)
				}
			case <-time.After(time.Second):
				t.Fatal("metronome did not tick")
			}
		}
		assertBool(t, beats[0].IsDownbeat(), true)
		if beats[1].Beat != 1 || beats[1].Tick != hub.SubticksPerQuarter {
			t.Errorf("unexpected second beat %+v", beats[1])
		}

		eventually(t, func() bool { return countNoteOns(out.Sent()) >= 2 })
		sent := out.Sent()
		assertNoteOn(t, sent[0], 9, hub.DownbeatPitch, hub.DownbeatVelocity)
	})

	t.Run("Is silent at velocity zero", func(t *testing.T) {
		out := newOutput(t)
		m := hub.NewMetronome(out, logger.NewNopLogger(), 600, 0)
		m.SetVelocity(0)
		positions, unsubscribe := m.Subscribe()
		defer unsubscribe()

		m.Start(time.Now())
		for i := 0; i < hub.SubticksPerQuarter+1; i++ {
			<-positions
		}
		m.Stop()
		if len(out.Sent()) != 0 {
			t.Errorf("muted metronome sent %v", out.Sent())
		}
	})
}

func TestPlayer(t *testing.T) {
	msgs := []sequence.TimedMessage{
		{At: 0, Message: midi.NoteOn(0, 60, 100)},
		{At: 10 * ms, Message: midi.NoteOffVelocity(0, 60, 0)},
		{At: 20 * ms, Message: midi.NoteOn(0, 62, 100)},
	}

	t.Run("Skips messages before the offset", func(t *testing.T) {
		out := newOutput(t)
		p := hub.NewPlayer(out, logger.NewNopLogger(), msgs, 10*ms)
		p.Start()
		waitClosed(t, p.Done())

		sent := out.Sent()
		if len(sent) != 2 {
			t.Fatalf("sent %d messages, want 2", len(sent))
		}
		assertNoteOn(t, sent[1], 0, 62, 100)
	})

	t.Run("Silences every channel when stopped", func(t *testing.T) {
		out := newOutput(t)
		long := []sequence.TimedMessage{
			{At: 0, Message: midi.NoteOn(0, 60, 100)},
			{At: 10 * time.Second, Message: midi.NoteOffVelocity(0, 60, 0)},
		}
		p := hub.NewPlayer(out, logger.NewNopLogger(), long, 0)
		p.Start()
		eventually(t, func() bool { return len(out.Sent()) == 1 })

		p.Stop()
		waitClosed(t, p.Done())
		if got := len(out.Sent()); got != 1+32 {
			t.Errorf("sent %d messages, want 33", got)
		}
		var ch, cc, val uint8
		if !out.Sent()[1].GetControlChange(&ch, &cc, &val) || cc != 120 {
			t.Errorf("expected all sound off, got %v", out.Sent()[1])
		}
	})

	t.Run("Replaces the previous playback on the hub", func(t *testing.T) {
		h, _, _ := newHub(t)
		first, err := h.StartPlayback([]sequence.TimedMessage{{At: time.Hour, Message: midi.NoteOn(0, 1, 1)}}, 0)
		assertError(t, err, nil)
		_, err = h.StartPlayback(msgs, 0)
		assertError(t, err, nil)

		waitClosed(t, first.Done())
		waitClosed(t, h.PlaybackDone())
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newHub(t *testing.T, opts ...hub.Option) (*hub.Hub, *midivirtual.InputPort, *midivirtual.OutputPort) {
	t.Helper()
	d := midivirtual.New(logger.NewNopLogger(), []string{"Keys"}, []string{"Synth"})
	in, err := d.OpenInput(0)
	assertError(t, err, nil)
	out, err := d.OpenOutput(0)
	assertError(t, err, nil)

	opts = append([]hub.Option{hub.WithMetronome(false)}, opts...)
	h := hub.New(in, out, opts...)
	t.Cleanup(func() { _ = h.Close() })

	vin, _ := d.Input(0)
	vout, _ := d.Output(0)
	return h, vin, vout
}

func newOutput(t *testing.T) *midivirtual.OutputPort {
	t.Helper()
	d := midivirtual.New(logger.NewNopLogger(), nil, []string{"Synth"})
	if _, err := d.OpenOutput(0); err != nil {
		t.Fatal(err)
	}
	out, _ := d.Output(0)
	return out
}

func countNoteOns(msgs []midi.Message) int {
	n := 0
	for _, m := range msgs {
		var ch, key, vel uint8
		if m.GetNoteStart(&ch, &key, &vel) {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * ms)
	}
	t.Fatal("condition not met in time")
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed in time")
	}
}

func assertNoteOn(t *testing.T, msg midi.Message, channel, key, velocity uint8) {
	t.Helper()
	var ch, k, v uint8
	if !msg.GetNoteStart(&ch, &k, &v) || ch != channel || k != key || v != velocity {
		t.Errorf("got %v, want note on ch=%d key=%d vel=%d", msg, channel, key, velocity)
	}
}

func assertBool(t *testing.T, got, want bool) {
	t.Helper()
	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertError(t testing.TB, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Errorf("got error %q want %q", got, want)
	}
}
