// Package config loads the midibridge settings from defaults, an optional JSON
// file, MIDIBRIDGE_* environment variables and command line flags, in that
// order of precedence.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/leandrodaf/midibridge/internal/telemetry"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"github.com/sethvargo/go-envconfig"
)

// Validation sentinels wrapped by *Error.
var (
	ErrRequired   = errors.New("is required")
	ErrOutOfRange = errors.New("is out of range")
	ErrConflict   = errors.New("conflicts with another setting")
	ErrInvalid    = errors.New("is invalid")
)

// MaxQPM is the fastest accepted tempo.
const MaxQPM = 1000

// Error reports the setting that failed validation.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s %v", e.Field, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Config holds every setting of the bridge. Control numbers and values use -1
// for "unset": a value of -1 matches any value, a number of -1 disables the
// signal. The start signal cannot be disabled.
type Config struct {
	ConfigFile string `json:"-"`

	List         bool `json:"list" env:"MIDIBRIDGE_LIST, overwrite"`
	ListSessions bool `json:"list_sessions" env:"MIDIBRIDGE_LIST_SESSIONS, overwrite"`
	CustomCC     bool `json:"custom_cc" env:"MIDIBRIDGE_CUSTOM_CC, overwrite"`

	InputPort  string `json:"input_port" env:"MIDIBRIDGE_INPUT_PORT, overwrite"`
	OutputPort string `json:"output_port" env:"MIDIBRIDGE_OUTPUT_PORT, overwrite"`
	Driver     string `json:"driver" env:"MIDIBRIDGE_DRIVER, overwrite"`

	StartCaptureControlNumber int `json:"start_capture_control_number" env:"MIDIBRIDGE_START_CAPTURE_CONTROL_NUMBER, overwrite"`
	StartCaptureControlValue  int `json:"start_capture_control_value" env:"MIDIBRIDGE_START_CAPTURE_CONTROL_VALUE, overwrite"`
	StopCaptureControlNumber  int `json:"stop_capture_control_number" env:"MIDIBRIDGE_STOP_CAPTURE_CONTROL_NUMBER, overwrite"`
	StopCaptureControlValue   int `json:"stop_capture_control_value" env:"MIDIBRIDGE_STOP_CAPTURE_CONTROL_VALUE, overwrite"`
	MetronomeControlNumber    int `json:"metronome_control_number" env:"MIDIBRIDGE_METRONOME_CONTROL_NUMBER, overwrite"`

	QPM                       float64 `json:"qpm" env:"MIDIBRIDGE_QPM, overwrite"`
	NumBarsToGenerate         int     `json:"num_bars_to_generate" env:"MIDIBRIDGE_NUM_BARS_TO_GENERATE, overwrite"`
	PhraseBars                int     `json:"phrase_bars" env:"MIDIBRIDGE_PHRASE_BARS, overwrite"`
	MetronomeChannel          int     `json:"metronome_channel" env:"MIDIBRIDGE_METRONOME_CHANNEL, overwrite"`
	MetronomeVelocity         int     `json:"metronome_velocity" env:"MIDIBRIDGE_METRONOME_VELOCITY, overwrite"`
	MetronomePlaybackVelocity int     `json:"metronome_playback_velocity" env:"MIDIBRIDGE_METRONOME_PLAYBACK_VELOCITY, overwrite"`

	BundleFile    string `json:"bundle_file" env:"MIDIBRIDGE_BUNDLE_FILE, overwrite"`
	GeneratorName string `json:"generator_name" env:"MIDIBRIDGE_GENERATOR_NAME, overwrite"`
	Checkpoint    string `json:"checkpoint" env:"MIDIBRIDGE_CHECKPOINT, overwrite"`
	HParams       string `json:"hparams" env:"MIDIBRIDGE_HPARAMS, overwrite"`
	GeneratorURL  string `json:"generator_url" env:"MIDIBRIDGE_GENERATOR_URL, overwrite"`

	Mode string `json:"mode" env:"MIDIBRIDGE_MODE, overwrite"`
	Thru bool   `json:"thru" env:"MIDIBRIDGE_THRU, overwrite"`

	ArchiveDir    string `json:"archive_dir" env:"MIDIBRIDGE_ARCHIVE_DIR, overwrite"`
	ExportSession string `json:"export_session" env:"MIDIBRIDGE_EXPORT_SESSION, overwrite"`
	ExportDir     string `json:"export_dir" env:"MIDIBRIDGE_EXPORT_DIR, overwrite"`

	MonitorAddr string `json:"monitor_addr" env:"MIDIBRIDGE_MONITOR_ADDR, overwrite"`
	Telemetry   string `json:"telemetry" env:"MIDIBRIDGE_TELEMETRY, overwrite"`
	LogLevel    string `json:"log_level" env:"MIDIBRIDGE_LOG_LEVEL, overwrite"`
	LogFile     string `json:"log_file" env:"MIDIBRIDGE_LOG_FILE, overwrite"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		StartCaptureControlNumber: 1,
		StartCaptureControlValue:  127,
		StopCaptureControlNumber:  1,
		StopCaptureControlValue:   0,
		MetronomeControlNumber:    60,
		QPM:                       90,
		NumBarsToGenerate:         5,
		MetronomeVelocity:         int(hub.DefaultVelocity),
		HParams:                   "{}",
		Mode:                      string(interaction.CallResponse),
		Thru:                      true,
		ExportDir:                 ".",
		Telemetry:                 telemetry.None,
		LogLevel:                  "info",
	}
}

// Load parses args and merges them with the config file and the environment
// read through lookuper. A nil lookuper reads the process environment.
func Load(ctx context.Context, args []string, lookuper envconfig.Lookuper) (*Config, error) {
	scratch := Default()
	fs := newFlagSet(&scratch)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	cfg := Default()
	cfg.ConfigFile = scratch.ConfigFile
	if cfg.ConfigFile != "" {
		if err := LoadFile(cfg.ConfigFile, &cfg); err != nil {
			return nil, err
		}
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	final := newFlagSet(&cfg)
	final.SetOutput(io.Discard)
	for name, value := range explicit {
		if err := final.Set(name, value); err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// LoadFile decodes a JSON settings file over cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("config file %s is empty", path)
	}

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("midibridge", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "JSON file with default settings")

	fs.BoolVar(&cfg.List, "list", cfg.List, "Only list available MIDI ports.")
	fs.BoolVar(&cfg.ListSessions, "list_sessions", cfg.ListSessions, "List the sessions stored in the archive.")
	fs.BoolVar(&cfg.CustomCC, "custom_cc", cfg.CustomCC, "Opens interactive control change assignment tool.")

	fs.StringVar(&cfg.InputPort, "input_port", cfg.InputPort, "The name or index of the input MIDI port.")
	fs.StringVar(&cfg.OutputPort, "output_port", cfg.OutputPort, "The name or index of the output MIDI port.")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "MIDI backend (coremidi, winmm, rtmidi or virtual); empty picks the OS default.")

	fs.IntVar(&cfg.StartCaptureControlNumber, "start_capture_control_number", cfg.StartCaptureControlNumber,
		"The control change number to use as a signal to start capturing. -1 disables it.")
	fs.IntVar(&cfg.StartCaptureControlValue, "start_capture_control_value", cfg.StartCaptureControlValue,
		"The control change value to use as a signal to start capturing. -1 matches any value.")
	fs.IntVar(&cfg.StopCaptureControlNumber, "stop_capture_control_number", cfg.StopCaptureControlNumber,
		"The control change number to use as a signal to stop capturing and generate. -1 disables it.")
	fs.IntVar(&cfg.StopCaptureControlValue, "stop_capture_control_value", cfg.StopCaptureControlValue,
		"The control change value to use as a signal to stop capturing and generate. -1 matches any value.")
	fs.IntVar(&cfg.MetronomeControlNumber, "metronome_control_number", cfg.MetronomeControlNumber,
		"The control change number that sets the metronome velocity. -1 disables it.")

	fs.Float64Var(&cfg.QPM, "qpm", cfg.QPM, "The quarters per minute to use for the metronome and generated sequence.")
	fs.IntVar(&cfg.NumBarsToGenerate, "num_bars_to_generate", cfg.NumBarsToGenerate, "The number of bars to generate each time.")
	fs.IntVar(&cfg.PhraseBars, "phrase_bars", cfg.PhraseBars, "End a captured phrase after this many bars; 0 waits for the stop signal.")
	fs.IntVar(&cfg.MetronomeChannel, "metronome_channel", cfg.MetronomeChannel, "The MIDI channel on which to send the metronome click.")
	fs.IntVar(&cfg.MetronomeVelocity, "metronome_velocity", cfg.MetronomeVelocity, "The velocity of the metronome click (0 mutes it).")
	fs.IntVar(&cfg.MetronomePlaybackVelocity, "metronome_playback_velocity", cfg.MetronomePlaybackVelocity,
		"The velocity of the metronome while a response plays.")

	fs.StringVar(&cfg.BundleFile, "bundle_file", cfg.BundleFile,
		"The location of the bundle file to use. If specified, generator_name, checkpoint, and hparams cannot be specified.")
	fs.StringVar(&cfg.GeneratorName, "generator_name", cfg.GeneratorName, "The name of the generator being used.")
	fs.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "The checkpoint for the model being used.")
	fs.StringVar(&cfg.HParams, "hparams", cfg.HParams, "JSON object of hyperparameter to value mappings.")
	fs.StringVar(&cfg.GeneratorURL, "generator_url", cfg.GeneratorURL, "Endpoint of the remote generation server.")

	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Interaction mode: call_response or continuous.")
	fs.BoolVar(&cfg.Thru, "thru", cfg.Thru, "Forward captured notes to the output port.")

	fs.StringVar(&cfg.ArchiveDir, "archive_dir", cfg.ArchiveDir, "Directory of the phrase archive; empty disables archiving.")
	fs.StringVar(&cfg.ExportSession, "export_session", cfg.ExportSession, "Export the phrases of this session as MIDI files and exit.")
	fs.StringVar(&cfg.ExportDir, "export_dir", cfg.ExportDir, "Destination directory for export_session.")

	fs.StringVar(&cfg.MonitorAddr, "monitor_addr", cfg.MonitorAddr, "Listen address of the metrics and events server; empty disables it.")
	fs.StringVar(&cfg.Telemetry, "telemetry", cfg.Telemetry, "Trace exporter: none, honeycomb or otlp.")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "Log level: debug, info, warn or error.")
	fs.StringVar(&cfg.LogFile, "log_file", cfg.LogFile, "Write logs to this file instead of stderr.")
	return fs
}

// Listing reports whether the run only prints information and exits.
func (c *Config) Listing() bool {
	return c.List || c.ListSessions || c.ExportSession != ""
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if !c.Listing() {
		if c.InputPort == "" {
			return &Error{"input_port", ErrRequired}
		}
		if c.OutputPort == "" {
			return &Error{"output_port", ErrRequired}
		}
	}

	for _, f := range []struct {
		name  string
		value int
	}{
		{"start_capture_control_number", c.StartCaptureControlNumber},
		{"start_capture_control_value", c.StartCaptureControlValue},
		{"stop_capture_control_number", c.StopCaptureControlNumber},
		{"stop_capture_control_value", c.StopCaptureControlValue},
		{"metronome_control_number", c.MetronomeControlNumber},
	} {
		if f.value < -1 || f.value > 127 {
			return &Error{f.name, ErrOutOfRange}
		}
	}

	if c.StartCaptureControlNumber < 0 {
		return &Error{"start_capture_control_number", ErrRequired}
	}
	if c.StartCaptureControlNumber == c.StopCaptureControlNumber {
		if c.StartCaptureControlValue < 0 || c.StopCaptureControlValue < 0 ||
			c.StartCaptureControlValue == c.StopCaptureControlValue {
			return &Error{"stop_capture_control_value", ErrConflict}
		}
	}

	if c.MetronomeVelocity < 0 || c.MetronomeVelocity > 127 {
		return &Error{"metronome_velocity", ErrOutOfRange}
	}
	if c.MetronomePlaybackVelocity < 0 || c.MetronomePlaybackVelocity > 127 {
		return &Error{"metronome_playback_velocity", ErrOutOfRange}
	}
	if c.MetronomeChannel < 0 || c.MetronomeChannel > 15 {
		return &Error{"metronome_channel", ErrOutOfRange}
	}
	if c.QPM <= 0 || c.QPM > MaxQPM {
		return &Error{"qpm", ErrOutOfRange}
	}
	if c.NumBarsToGenerate <= 0 {
		return &Error{"num_bars_to_generate", ErrOutOfRange}
	}
	if c.PhraseBars < 0 {
		return &Error{"phrase_bars", ErrOutOfRange}
	}

	switch interaction.Mode(c.Mode) {
	case interaction.CallResponse:
		if c.PhraseBars == 0 && c.StopCaptureControlNumber < 0 {
			return &Error{"phrase_bars", fmt.Errorf("%w: call_response needs phrase_bars or a stop signal", ErrRequired)}
		}
	case interaction.Continuous:
	default:
		return &Error{"mode", ErrInvalid}
	}

	if (c.ListSessions || c.ExportSession != "") && c.ArchiveDir == "" {
		return &Error{"archive_dir", ErrRequired}
	}
	if !slices.Contains(telemetry.Kinds(), c.Telemetry) {
		return &Error{"telemetry", ErrInvalid}
	}
	if _, err := contracts.ParseLogLevel(c.LogLevel); err != nil {
		return &Error{"log_level", ErrInvalid}
	}
	return nil
}

// Controls builds the capture signals from the control settings.
func (c *Config) Controls() hub.Controls {
	return hub.Controls{
		Start:             hub.ControlSignal(0, c.StartCaptureControlNumber, c.StartCaptureControlValue),
		Stop:              hub.ControlSignal(0, c.StopCaptureControlNumber, c.StopCaptureControlValue),
		MetronomeVelocity: hub.ControlSignal(0, c.MetronomeControlNumber, -1),
	}
}

// Level returns the parsed log level. Validate has already rejected bad names.
func (c *Config) Level() contracts.LogLevel {
	level, _ := contracts.ParseLogLevel(c.LogLevel)
	return level
}
