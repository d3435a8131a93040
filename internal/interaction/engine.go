// Package interaction runs the call and response loop between a player, the
// hub and a generator.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/internal/generator"
	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the interaction loop.
type Mode string

const (
	CallResponse Mode = "call_response"
	Continuous   Mode = "continuous"
)

// Roles a phrase can have in the archive.
const (
	RoleCall     = "call"
	RoleResponse = "response"
)

// generationWindow is the position inside the bar, in subticks, from which a
// continuous generation may start: beat 2, subtick 12.
const generationWindow = 2*hub.SubticksPerQuarter + 12

// ErrUnknownMode is returned for an unsupported Mode.
var ErrUnknownMode = errors.New("unknown interaction mode")

// ErrNoStartSignal is returned by Run when the hub has no start signal to wait for.
var ErrNoStartSignal = errors.New("no start signal configured")

var errInterrupted = errors.New("interrupted by start signal")

const tracerName = "github.com/leandrodaf/midibridge/internal/interaction"

// Generator continues a captured phrase.
type Generator interface {
	GenerateMelody(ctx context.Context, input *sequence.NoteSequence) (*sequence.NoteSequence, generator.Section, error)
}

// Recorder stores captured and generated phrases.
type Recorder interface {
	Record(role string, seq *sequence.NoteSequence) error
}

// Config tunes the engine.
type Config struct {
	Mode             Mode
	QPM              float64
	PhraseBars       int
	PlaybackVelocity uint8
	Channel          uint8
	Session          string
}

// Engine drives the hub.
type Engine struct {
	cfg      Config
	hub      *hub.Hub
	gen      Generator
	recorder Recorder
	observer Observer
	logger   contracts.Logger
	console  io.Writer
	tracer   trace.Tracer

	mu    sync.Mutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder archives every call and response.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithObserver adds an observer. It can be given more than once.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if existing, ok := e.observer.(observers); ok {
			e.observer = append(existing, o)
			return
		}
		e.observer = observers{o}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l contracts.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTracerProvider traces generations with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithConsole sets where progress text is printed.
func WithConsole(w io.Writer) Option { return func(e *Engine) { e.console = w } }

// New builds an engine.
func New(cfg Config, h *hub.Hub, gen Generator, opts ...Option) (*Engine, error) {
	switch cfg.Mode {
	case CallResponse, Continuous:
	case "":
		cfg.Mode = CallResponse
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	if cfg.QPM <= 0 {
		cfg.QPM = sequence.DefaultQPM
	}

	e := &Engine{
		cfg:      cfg,
		hub:      h,
		gen:      gen,
		observer: observers{},
		logger:   logger.NewNopLogger(),
		console:  io.Discard,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var err error
	switch e.cfg.Mode {
	case Continuous:
		err = e.runContinuous(ctx)
	default:
		err = e.runCallResponse(ctx)
	}
	e.hub.StopPlayback()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || err == nil) {
		return nil
	}
	return err
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("Interaction state changed", e.logger.Field().String("state", s.String()))
	e.emit(Event{Kind: StateChanged, State: s})
}

func (e *Engine) emit(ev Event) {
	ev.Session = e.cfg.Session
	ev.At = time.Now()
	if ev.Kind != StateChanged {
		ev.State = e.State()
	}
	e.observer.Observe(ev)
}

func (e *Engine) waitForStart(ctx context.Context) error {
	sig := e.hub.Controls().Start
	if !sig.Defined() {
		return ErrNoStartSignal
	}
	started, cancel := e.hub.Await(sig)
	defer cancel()

	e.setState(Waiting)
	fmt.Fprint(e.console, "Waiting for start control signal...\n")
	select {
	case <-started:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.hub.Done():
		return hub.ErrClosed
	}
	e.hub.StopPlayback()
	return nil
}

func (e *Engine) startCapture() error {
	if err := e.hub.StartCapture(e.cfg.QPM); err != nil {
		return err
	}
	e.setState(Capturing)
	fmt.Fprint(e.console, "Capturing notes until stop control signal...")
	return nil
}

func (e *Engine) record(role string, seq *sequence.NoteSequence) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(role, seq); err != nil {
		e.logger.Warn("Failed to archive phrase", e.logger.Field().String("role", role), e.logger.Field().Error("error", err))
	}
}

// generate runs the generator inside a span and reports the outcome.
func (e *Engine) generate(ctx context.Context, call *sequence.NoteSequence) (*sequence.NoteSequence, generator.Section, error) {
	ctx, span := e.tracer.Start(ctx, "interaction.generate", trace.WithAttributes(
		attribute.String("session", e.cfg.Session),
		attribute.String("mode", string(e.cfg.Mode)),
		attribute.Int("call.notes", call.Len()),
	))
	defer span.End()

	start := time.Now()
	out, section, err := e.gen.GenerateMelody(ctx, call)
	took := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Response generation failed", e.logger.Field().Error("error", err), e.logger.Field().Duration("took", took))
		e.emit(Event{Kind: GenerationFailed, Err: err, Duration: took, Notes: call.Len()})
		return nil, section, err
	}

	generated := out.Window(section.Start, section.End).Len()
	span.SetAttributes(attribute.Int("response.notes", generated))
	fmt.Fprintf(e.console, "Response generation took %v seconds\n", took.Seconds())
	e.emit(Event{Kind: ResponseGenerated, Notes: generated, Duration: took})
	return out, section, nil
}

// nextDownbeat blocks until the metronome reaches the start of a bar. It
// returns errInterrupted once interrupt is closed.
func (e *Engine) nextDownbeat(ctx context.Context, interrupt <-chan struct{}) (hub.Position, error) {
	m := e.hub.Metronome()
	if m == nil {
		return hub.Position{}, hub.ErrClosed
	}
	positions, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return hub.Position{}, ctx.Err()
		case <-interrupt:
			return hub.Position{}, errInterrupted
		case p := <-positions:
			if p.IsDownbeat() {
				return p, nil
			}
		}
	}
}
