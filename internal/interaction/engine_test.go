package interaction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leandrodaf/midibridge/internal/generator"
	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/internal/midi/midivirtual"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"gitlab.com/gomidi/midi/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const responsePitch = 72

func TestNew_RejectsUnknownModes(t *testing.T) {
	_, err := interaction.New(interaction.Config{Mode: "jam"}, nil, nil)
	if !errors.Is(err, interaction.ErrUnknownMode) {
		t.Errorf("got error %v", err)
	}
}

func TestEngine_RequiresAStartSignal(t *testing.T) {
	d := midivirtual.New(logger.NewNopLogger(), []string{"Keys"}, []string{"Synth"})
	in, _ := d.OpenInput(0)
	out, _ := d.OpenOutput(0)
	h := hub.New(in, out, hub.WithMetronome(false), hub.WithControls(hub.Controls{Stop: hub.ControlSignal(0, 1, 0)}))
	defer h.Close()

	e, err := interaction.New(interaction.Config{Mode: interaction.CallResponse}, h, generator.NewMelody(&stubGenerator{}, 1))
	assertNoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Run(ctx); !errors.Is(err, interaction.ErrNoStartSignal) {
		t.Errorf("got error %v", err)
	}
}

func TestEngine_CallResponse(t *testing.T) {
	t.Run("Answers a phrase after the configured bars", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1}, nil)
		f.run()
		f.start()

		f.play(60)
		f.eventuallySent(responsePitch)

		f.stopEngine()
		assertRoles(t, f.recorder.roles(), interaction.RoleCall, interaction.RoleResponse)
		f.assertEvent(interaction.PhraseCaptured)
		f.assertEvent(interaction.ResponseGenerated)
		f.assertEvent(interaction.PlaybackStarted)
	})

	t.Run("Counts bars from the aligned start of the phrase", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1}, nil)
		f.run()
		f.start()

		f.waitForInBar(4*hub.SubticksPerQuarter - 1)
		began := time.Now()
		f.play(60)

		eventually(t, func() bool { return f.count(interaction.PhraseCaptured, interaction.Capturing) == 1 })
		// A bar lasts 400ms at 600 qpm; the note right before a downbeat must
		// not end the phrase on that downbeat.
		if elapsed := f.eventAt(interaction.PhraseCaptured).Sub(began); elapsed < 300*time.Millisecond {
			t.Errorf("phrase ended after %v", elapsed)
		}
		f.stopEngine()
	})

	t.Run("Restores the metronome velocity after the response", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1, PlaybackVelocity: 10}, nil)
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return f.engine.State() == interaction.Responding })
		eventually(t, func() bool { return f.hub.MetronomeVelocity() == 10 })

		eventually(t, func() bool { return f.engine.State() == interaction.Capturing })
		if v := f.hub.MetronomeVelocity(); v != hub.DefaultVelocity {
			t.Errorf("got velocity %d after the response, want %d", v, hub.DefaultVelocity)
		}
		f.stopEngine()
	})

	t.Run("Interrupts the response on start and silences the output", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1, PlaybackVelocity: 10}, nil)
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return f.engine.State() == interaction.Responding })
		eventually(t, func() bool { return f.hub.MetronomeVelocity() == 10 })

		f.out.Reset()
		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 127)))
		eventually(t, func() bool { return f.engine.State() == interaction.Capturing })

		if n := f.countControl(123); n != 16 {
			t.Errorf("got %d all notes off messages, want 16", n)
		}
		if n := f.countControl(120); n != 16 {
			t.Errorf("got %d all sound off messages, want 16", n)
		}
		if v := f.hub.MetronomeVelocity(); v != hub.DefaultVelocity {
			t.Errorf("got velocity %d after the interruption", v)
		}
		f.stopEngine()
	})

	t.Run("Keeps a metronome velocity set during the response", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1, PlaybackVelocity: 10}, nil)
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return f.hub.MetronomeVelocity() == 10 })
		assertNoError(t, f.in.Inject(midi.ControlChange(0, 60, 30)))
		eventually(t, func() bool { return f.hub.MetronomeVelocity() == 30 })

		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 127)))
		eventually(t, func() bool { return f.engine.State() == interaction.Capturing })
		if v := f.hub.MetronomeVelocity(); v != 30 {
			t.Errorf("got velocity %d, want the one set during the response", v)
		}
		f.stopEngine()
	})

	t.Run("Skips the response on start before the downbeat", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600}, nil)
		f.run()
		f.start()

		f.play(64)
		f.waitForInBar(0)
		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 0)))
		eventually(t, func() bool { return f.count(interaction.ResponseGenerated, interaction.Generating) == 1 })

		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 127)))
		eventually(t, func() bool { return f.count(interaction.StateChanged, interaction.Capturing) >= 2 })
		if n := f.count(interaction.PlaybackStarted, interaction.Responding); n != 0 {
			t.Errorf("response played %d times", n)
		}
		f.stopEngine()
	})

	t.Run("Ends the phrase on the stop signal", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600}, nil)
		f.run()
		f.start()

		f.play(64)
		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 0)))
		f.eventuallySent(responsePitch)
		f.stopEngine()
	})

	t.Run("Captures again after an empty phrase", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600}, nil)
		f.run()
		f.start()

		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 0)))
		eventually(t, func() bool { return f.count(interaction.StateChanged, interaction.Capturing) >= 2 })
		if f.gen.calls() != 0 {
			t.Errorf("generator called %d times for an empty phrase", f.gen.calls())
		}
		f.stopEngine()
	})

	t.Run("Reports generation failures and keeps capturing", func(t *testing.T) {
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1}, errors.New("model offline"))
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return f.count(interaction.GenerationFailed, interaction.Generating) == 1 })
		eventually(t, func() bool { return f.engine.State() == interaction.Capturing })
		f.stopEngine()
	})
}

func TestEngine_Continuous(t *testing.T) {
	f := newFixture(t, interaction.Config{Mode: interaction.Continuous, QPM: 600}, nil)
	var mu sync.Mutex
	var generatedAt []int
	f.gen.onGenerate = func() {
		if p, ok := f.hub.Metronome().Position(); ok {
			mu.Lock()
			generatedAt = append(generatedAt, p.InBar())
			mu.Unlock()
		}
	}
	f.run()
	f.start()

	f.play(62)
	f.eventuallySent(responsePitch)

	t.Run("Generates only late in the bar", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		if len(generatedAt) == 0 {
			t.Fatal("no generation recorded")
		}
		for _, sub := range generatedAt {
			if sub < 2*hub.SubticksPerQuarter+12 {
				t.Errorf("generated at subtick %d of the bar", sub)
			}
		}
	})

	t.Run("Starts playback at the downbeat offset of the capture", func(t *testing.T) {
		// The call note is forwarded once by thru and must not be replayed.
		if n := f.countNoteOn(62); n != 1 {
			t.Errorf("call note sent %d times, want 1", n)
		}
	})

	t.Run("Pauses on stop and waits for start again", func(t *testing.T) {
		assertNoError(t, f.in.Inject(midi.ControlChange(0, 1, 0)))
		eventually(t, func() bool { return f.engine.State() == interaction.Waiting })
		f.start()
	})

	f.stopEngine()
}

func TestEngine_TracesGenerations(t *testing.T) {
	t.Run("Records a span per generation", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1}, nil,
			interaction.WithTracerProvider(tp))
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return len(sr.Ended()) > 0 })
		f.stopEngine()

		span := sr.Ended()[0]
		if span.Name() != "interaction.generate" {
			t.Errorf("got span %q", span.Name())
		}
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		if attrs["session"].AsString() != "test" || attrs["mode"].AsString() != "call_response" {
			t.Errorf("unexpected attributes %v", span.Attributes())
		}
		if attrs["call.notes"].AsInt64() != 1 || attrs["response.notes"].AsInt64() != 8 {
			t.Errorf("unexpected note counts %v", span.Attributes())
		}
	})

	t.Run("Marks failed generations", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		f := newFixture(t, interaction.Config{Mode: interaction.CallResponse, QPM: 600, PhraseBars: 1}, errors.New("model offline"),
			interaction.WithTracerProvider(tp))
		f.run()
		f.start()

		f.play(60)
		eventually(t, func() bool { return len(sr.Ended()) > 0 })
		f.stopEngine()

		if code := sr.Ended()[0].Status().Code; code != codes.Error {
			t.Errorf("got status %v", code)
		}
	})
}

// stubGenerator answers with one note on every quarter of the section.
type stubGenerator struct {
	mu         sync.Mutex
	n          int
	err        error
	onGenerate func()
}

func (g *stubGenerator) ID() string { return "stub" }

func (g *stubGenerator) Generate(ctx context.Context, req generator.Request) (*sequence.NoteSequence, error) {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
	if g.onGenerate != nil {
		g.onGenerate()
	}
	if g.err != nil {
		return nil, g.err
	}

	out := req.Input.Clone()
	quarter := req.Input.QuarterDuration()
	for _, s := range req.Sections {
		for at := s.Start; at < s.End; at += quarter {
			out.Notes = append(out.Notes, sequence.Note{Pitch: responsePitch, Velocity: 100, Start: at, End: at + quarter/2})
		}
	}
	return out, nil
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

type memRecorder struct {
	mu     sync.Mutex
	phrase []string
}

func (r *memRecorder) Record(role string, seq *sequence.NoteSequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phrase = append(r.phrase, role)
	return nil
}

func (r *memRecorder) roles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.phrase...)
}

type fixture struct {
	t        *testing.T
	engine   *interaction.Engine
	hub      *hub.Hub
	in       *midivirtual.InputPort
	out      *midivirtual.OutputPort
	gen      *stubGenerator
	recorder *memRecorder

	mu     sync.Mutex
	events []interaction.Event

	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T, cfg interaction.Config, genErr error, opts ...interaction.Option) *fixture {
	t.Helper()
	d := midivirtual.New(logger.NewNopLogger(), []string{"Keys"}, []string{"Synth"})
	in, err := d.OpenInput(0)
	assertNoError(t, err)
	out, err := d.OpenOutput(0)
	assertNoError(t, err)

	f := &fixture{t: t, gen: &stubGenerator{err: genErr}, recorder: &memRecorder{}}
	f.hub = hub.New(in, out, hub.WithMetronome(false))
	t.Cleanup(func() { _ = f.hub.Close() })
	f.in, _ = d.Input(0)
	f.out, _ = d.Output(0)

	cfg.Session = "test"
	opts = append([]interaction.Option{
		interaction.WithRecorder(f.recorder),
		interaction.WithObserver(interaction.ObserverFunc(f.observe)),
	}, opts...)
	f.engine, err = interaction.New(cfg, f.hub, generator.NewMelody(f.gen, 2), opts...)
	assertNoError(t, err)
	return f
}

func (f *fixture) observe(ev interaction.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fixture) count(kind interaction.EventKind, state interaction.State) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind && ev.State == state {
			n++
		}
	}
	return n
}

// eventAt returns when the first event of kind was observed.
func (f *fixture) eventAt(kind interaction.EventKind) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Kind == kind {
			return ev.At
		}
	}
	return time.Time{}
}

func (f *fixture) assertEvent(kind interaction.EventKind) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Kind == kind {
			if ev.Session != "test" {
				f.t.Errorf("event %s has session %q", kind, ev.Session)
			}
			return
		}
	}
	f.t.Errorf("no %s event", kind)
}

func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.engine.Run(ctx) }()
	f.t.Cleanup(cancel)
}

func (f *fixture) stopEngine() {
	f.t.Helper()
	f.cancel()
	select {
	case err := <-f.done:
		assertNoError(f.t, err)
	case <-time.After(2 * time.Second):
		f.t.Fatal("engine did not stop")
	}
}

// start sends the start signal until the engine captures.
func (f *fixture) start() {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.State() != interaction.Capturing {
		if time.Now().After(deadline) {
			f.t.Fatal("engine never started capturing")
		}
		assertNoError(f.t, f.in.Inject(midi.ControlChange(0, 1, 127)))
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) play(key uint8) {
	f.t.Helper()
	eventually(f.t, f.hub.Capturing)
	assertNoError(f.t, f.in.Inject(midi.NoteOn(0, key, 100)))
	time.Sleep(20 * time.Millisecond)
	assertNoError(f.t, f.in.Inject(midi.NoteOffVelocity(0, key, 0)))
}

// waitForInBar blocks until the metronome reaches subtick sub of a bar.
func (f *fixture) waitForInBar(sub int) {
	f.t.Helper()
	positions, unsubscribe := f.hub.Metronome().Subscribe()
	defer unsubscribe()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case p := <-positions:
			if p.InBar() == sub {
				return
			}
		case <-timeout:
			f.t.Fatalf("metronome never reached subtick %d", sub)
		}
	}
}

func (f *fixture) countNoteOn(key uint8) int {
	n := 0
	for _, m := range f.out.Sent() {
		var ch, k, v uint8
		if m.GetNoteStart(&ch, &k, &v) && k == key {
			n++
		}
	}
	return n
}

func (f *fixture) countControl(controller uint8) int {
	n := 0
	for _, m := range f.out.Sent() {
		var ch, cc, v uint8
		if m.GetControlChange(&ch, &cc, &v) && cc == controller {
			n++
		}
	}
	return n
}

func (f *fixture) eventuallySent(key uint8) {
	f.t.Helper()
	eventually(f.t, func() bool {
		for _, m := range f.out.Sent() {
			var ch, k, v uint8
			if m.GetNoteStart(&ch, &k, &v) && k == key {
				return true
			}
		}
		return false
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func assertRoles(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) < len(want) {
		t.Fatalf("got roles %v, want at least %v", got, want)
	}
	for i, r := range want {
		if got[i] != r {
			t.Errorf("role %d = %s, want %s", i, got[i], r)
		}
	}
}

func assertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
