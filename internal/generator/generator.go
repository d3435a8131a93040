// Package generator wraps the sequence generators that turn a captured call
// into a response.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
)

// Errors returned when building a generator.
var (
	ErrNoModel          = errors.New("no generator checkpoint or bundle location supplied")
	ErrBundleConflict   = errors.New("cannot specify both bundle file and checkpoint, generator_name, or hparams")
	ErrUnknownGenerator = errors.New("invalid generator name given")
	ErrInvalidHParams   = errors.New("hparams must be a JSON object")
	ErrEmptyResponse    = errors.New("generator returned no sequence")
)

// Section is a time window the generator should fill.
type Section struct {
	Start time.Duration
	End   time.Duration
}

// Request asks a generator to extend Input over Sections.
type Request struct {
	Input    *sequence.NoteSequence
	Sections []Section
	HParams  map[string]any
}

// Generator produces a new sequence from a request. The returned sequence
// contains the input notes plus the generated ones.
type Generator interface {
	ID() string
	Generate(ctx context.Context, req Request) (*sequence.NoteSequence, error)
}

// Config is what a factory receives.
type Config struct {
	Checkpoint string
	Bundle     *Bundle
	BundlePath string
	HParams    map[string]any
	URL        string
}

// Factory builds a generator. RequiresModel marks generators that cannot run
// without a checkpoint or bundle.
type Factory struct {
	RequiresModel bool
	New           func(cfg Config) (Generator, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a factory under id, replacing any previous one.
func Register(id string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = f
}

// Lookup finds the factory for id.
func Lookup(id string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[id]
	return f, ok
}

// Names lists registered generator ids.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for id := range registry {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Options selects and configures the generator.
type Options struct {
	GeneratorName  string
	Checkpoint     string
	BundleFile     string
	HParams        string
	URL            string
	BarsToGenerate int
}

// Melody is the generator used by the interaction loop: it knows how many
// bars to generate after each call.
type Melody struct {
	gen     Generator
	bars    int
	hparams map[string]any
}

// New validates opts and builds the generator it names.
func New(opts Options) (*Melody, error) {
	hparams, err := ParseHParams(opts.HParams)
	if err != nil {
		return nil, err
	}

	if opts.BundleFile != "" && (opts.Checkpoint != "" || opts.GeneratorName != "" || len(hparams) > 0) {
		return nil, ErrBundleConflict
	}

	cfg := Config{Checkpoint: opts.Checkpoint, HParams: hparams, URL: opts.URL}
	id := opts.GeneratorName
	if opts.BundleFile != "" {
		bundle, err := ReadBundle(opts.BundleFile)
		if err != nil {
			return nil, err
		}
		cfg.Bundle = bundle
		cfg.BundlePath = opts.BundleFile
		id = bundle.GeneratorID
	}

	factory, ok := Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownGenerator, id, strings.Join(Names(), ", "))
	}
	if factory.RequiresModel && cfg.Checkpoint == "" && cfg.Bundle == nil {
		return nil, ErrNoModel
	}

	gen, err := factory.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing generator %q: %w", id, err)
	}

	bars := opts.BarsToGenerate
	if bars <= 0 {
		bars = 1
	}
	return &Melody{gen: gen, bars: bars, hparams: hparams}, nil
}

// NewMelody wraps an already built generator.
func NewMelody(gen Generator, bars int) *Melody {
	if bars <= 0 {
		bars = 1
	}
	return &Melody{gen: gen, bars: bars}
}

// ID returns the wrapped generator id.
func (m *Melody) ID() string { return m.gen.ID() }

// Bars is the number of bars generated per call.
func (m *Melody) Bars() int { return m.bars }

// NextSection computes where the response goes: one quarter after the last
// note of input, for Bars() bars of 4/4 at the input tempo.
func (m *Melody) NextSection(input *sequence.NoteSequence) Section {
	quarter := input.QuarterDuration()
	start := input.LastEndTime() + quarter
	return Section{
		Start: start,
		End:   start + time.Duration(sequence.QuartersPerBar*m.bars)*quarter,
	}
}

// GenerateMelody calls the generator for the section following input.
func (m *Melody) GenerateMelody(ctx context.Context, input *sequence.NoteSequence) (*sequence.NoteSequence, Section, error) {
	section := m.NextSection(input)
	out, err := m.gen.Generate(ctx, Request{
		Input:    input.Clone(),
		Sections: []Section{section},
		HParams:  m.hparams,
	})
	if err != nil {
		return nil, section, err
	}
	if out == nil {
		return nil, section, ErrEmptyResponse
	}
	if len(out.Tempos) == 0 {
		out.Tempos = append(out.Tempos, sequence.Tempo{QPM: input.QPM()})
	}
	return out, section, nil
}

// ParseHParams decodes the hparams flag. Empty strings and "{}" yield nil.
func ParseHParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var hp map[string]any
	if err := json.Unmarshal([]byte(raw), &hp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHParams, err)
	}
	if len(hp) == 0 {
		return nil, nil
	}
	return hp, nil
}

func floatParam(hp map[string]any, key string, def float64) float64 {
	if v, ok := hp[key].(float64); ok {
		return v
	}
	return def
}
