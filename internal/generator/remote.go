package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leandrodaf/midibridge/internal/sequence"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Remote generator ids. They are served by a model server reachable at
// Config.URL.
const (
	BasicRNNID     = "basic_rnn"
	LookbackRNNID  = "lookback_rnn"
	AttentionRNNID = "attention_rnn"
)

// ErrNoServer is returned when a remote generator is built without a URL.
var ErrNoServer = errors.New("remote generator requires generator_url")

func init() {
	for _, id := range []string{BasicRNNID, LookbackRNNID, AttentionRNNID} {
		Register(id, Factory{
			RequiresModel: true,
			New: func(cfg Config) (Generator, error) {
				return NewRemote(id, cfg, nil)
			},
		})
	}
}

// Remote forwards generation requests to a model server as JSON.
type Remote struct {
	id     string
	url    string
	cfg    Config
	client *http.Client
}

// NewRemote builds a remote generator. A nil client gets an instrumented
// default with a 30 second timeout.
func NewRemote(id string, cfg Config, client *http.Client) (*Remote, error) {
	if cfg.URL == "" {
		return nil, ErrNoServer
	}
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Remote{id: id, url: cfg.URL, cfg: cfg, client: client}, nil
}

// ID returns the generator id.
func (r *Remote) ID() string { return r.id }

type wireNote struct {
	Pitch     uint8   `json:"pitch"`
	Velocity  uint8   `json:"velocity"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type wireTempo struct {
	QPM float64 `json:"qpm"`
}

type wireSequence struct {
	Notes     []wireNote  `json:"notes"`
	Tempos    []wireTempo `json:"tempos,omitempty"`
	TotalTime float64     `json:"total_time"`
}

type wireSection struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type wireOptions struct {
	GenerateSections []wireSection `json:"generate_sections"`
}

type wireRequest struct {
	GeneratorID      string         `json:"generator_id"`
	Checkpoint       string         `json:"checkpoint,omitempty"`
	Bundle           string         `json:"bundle,omitempty"`
	HParams          map[string]any `json:"hparams,omitempty"`
	InputSequence    wireSequence   `json:"input_sequence"`
	GeneratorOptions wireOptions    `json:"generator_options"`
}

type wireResponse struct {
	Sequence wireSequence `json:"sequence"`
	Error    string       `json:"error,omitempty"`
}

// Generate posts the request and decodes the returned sequence.
func (r *Remote) Generate(ctx context.Context, req Request) (*sequence.NoteSequence, error) {
	body := wireRequest{
		GeneratorID:   r.id,
		Checkpoint:    r.cfg.Checkpoint,
		Bundle:        r.cfg.BundlePath,
		HParams:       req.HParams,
		InputSequence: encodeSequence(req.Input),
	}
	for _, s := range req.Sections {
		body.GeneratorOptions.GenerateSections = append(body.GeneratorOptions.GenerateSections, wireSection{
			StartTime: s.Start.Seconds(),
			EndTime:   s.End.Seconds(),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling generator %s: %w", r.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generator %s returned %s: %s", r.id, resp.Status, bytes.TrimSpace(msg))
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding generator response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("generator %s: %s", r.id, decoded.Error)
	}
	return decodeSequence(decoded.Sequence, req.Input), nil
}

func encodeSequence(s *sequence.NoteSequence) wireSequence {
	var out wireSequence
	if s == nil {
		return out
	}
	for _, n := range s.Notes {
		out.Notes = append(out.Notes, wireNote{
			Pitch:     n.Pitch,
			Velocity:  n.Velocity,
			StartTime: n.Start.Seconds(),
			EndTime:   n.End.Seconds(),
		})
	}
	for _, t := range s.Tempos {
		out.Tempos = append(out.Tempos, wireTempo{QPM: t.QPM})
	}
	out.TotalTime = s.LastEndTime().Seconds()
	return out
}

func decodeSequence(ws wireSequence, input *sequence.NoteSequence) *sequence.NoteSequence {
	out := &sequence.NoteSequence{}
	for _, t := range ws.Tempos {
		out.Tempos = append(out.Tempos, sequence.Tempo{QPM: t.QPM})
	}
	if len(out.Tempos) == 0 && input != nil {
		out.Tempos = append(out.Tempos, sequence.Tempo{QPM: input.QPM()})
	}
	for _, n := range ws.Notes {
		out.Notes = append(out.Notes, sequence.Note{
			Pitch:    n.Pitch,
			Velocity: n.Velocity,
			Start:    seconds(n.StartTime),
			End:      seconds(n.EndTime),
		})
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
