package generator

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
)

// MarkovID names the local generator.
const MarkovID = "markov"

func init() {
	Register(MarkovID, Factory{New: newMarkov})
}

// Markov is a monophonic first-order generator. It learns pitch transitions
// and inter-onset intervals from the call and walks the chain to fill the
// section.
type Markov struct {
	temperature float64
	seed        uint64
	seeded      bool
}

func newMarkov(cfg Config) (Generator, error) {
	m := &Markov{temperature: floatParam(cfg.HParams, "temperature", 1.0)}
	if m.temperature <= 0 {
		m.temperature = 1.0
	}
	if v, ok := cfg.HParams["seed"].(float64); ok {
		m.seed = uint64(v)
		m.seeded = true
	}
	return m, nil
}

// ID returns "markov".
func (m *Markov) ID() string { return MarkovID }

// Generate appends notes between each section's Start and End.
func (m *Markov) Generate(ctx context.Context, req Request) (*sequence.NoteSequence, error) {
	out := req.Input.Clone()
	if out == nil {
		out = sequence.New(sequence.DefaultQPM)
	}

	input := out.Clone()
	input.SortByStart()
	rng := m.rand()
	chain := learn(input)

	for _, section := range req.Sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Notes = append(out.Notes, chain.walk(rng, m.temperature, section, input.QuarterDuration())...)
	}
	return out, nil
}

func (m *Markov) rand() *rand.Rand {
	if m.seeded {
		return rand.New(rand.NewPCG(m.seed, m.seed^0x9e3779b97f4a7c15))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

type chain struct {
	transitions map[uint8]map[uint8]int
	pitches     []uint8
	intervals   []time.Duration
	durations   []time.Duration
	velocities  []uint8
	last        uint8
}

func learn(s *sequence.NoteSequence) *chain {
	c := &chain{transitions: map[uint8]map[uint8]int{}, last: 60}
	for i, n := range s.Notes {
		c.pitches = append(c.pitches, n.Pitch)
		c.velocities = append(c.velocities, n.Velocity)
		if d := n.Duration(); d > 0 {
			c.durations = append(c.durations, d)
		}
		if i == 0 {
			continue
		}
		prev := s.Notes[i-1]
		if ioi := n.Start - prev.Start; ioi > 0 {
			c.intervals = append(c.intervals, ioi)
		}
		next, ok := c.transitions[prev.Pitch]
		if !ok {
			next = map[uint8]int{}
			c.transitions[prev.Pitch] = next
		}
		next[n.Pitch]++
	}
	if len(s.Notes) > 0 {
		c.last = s.Notes[len(s.Notes)-1].Pitch
	}
	return c
}

func (c *chain) walk(rng *rand.Rand, temperature float64, section Section, quarter time.Duration) []sequence.Note {
	if section.End <= section.Start {
		return nil
	}

	var notes []sequence.Note
	pitch := c.last
	at := section.Start
	for at < section.End {
		pitch = c.next(rng, temperature, pitch)

		ioi := pick(rng, c.intervals, quarter/2)
		if ioi <= 0 {
			break
		}
		dur := pick(rng, c.durations, ioi)
		if dur > ioi {
			dur = ioi
		}
		end := at + dur
		if end > section.End {
			end = section.End
		}

		notes = append(notes, sequence.Note{
			Pitch:    pitch,
			Velocity: pick(rng, c.velocities, 100),
			Start:    at,
			End:      end,
		})
		at += ioi
	}
	return notes
}

// next samples a successor of pitch weighted by count^(1/temperature). A pitch
// with no recorded successors jumps to any pitch seen in the call.
func (c *chain) next(rng *rand.Rand, temperature float64, pitch uint8) uint8 {
	successors := c.transitions[pitch]
	if len(successors) == 0 {
		return pick(rng, c.pitches, pitch)
	}

	candidates := make([]uint8, 0, len(successors))
	weights := make([]float64, 0, len(successors))
	total := 0.0
	for p := uint8(0); p < 128; p++ {
		count, ok := successors[p]
		if !ok {
			continue
		}
		w := math.Pow(float64(count), 1/temperature)
		candidates = append(candidates, p)
		weights = append(weights, w)
		total += w
	}

	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return candidates[i]
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

func pick[T any](rng *rand.Rand, values []T, def T) T {
	if len(values) == 0 {
		return def
	}
	return values[rng.IntN(len(values))]
}
