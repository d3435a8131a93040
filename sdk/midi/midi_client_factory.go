package midi

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/leandrodaf/midibridge/internal/midi/mididarwin"
	"github.com/leandrodaf/midibridge/internal/midi/midirtmidi"
	"github.com/leandrodaf/midibridge/internal/midi/midivirtual"
	"github.com/leandrodaf/midibridge/internal/midi/midiwindows"
	"github.com/leandrodaf/midibridge/sdk/contracts"
)

var (
	// ErrUnsupportedOS is returned when the operating system has no default MIDI backend.
	ErrUnsupportedOS = errors.New("unsupported operating system")
	// ErrUnknownDriver is returned when a backend is requested by an unknown name.
	ErrUnknownDriver = errors.New("unknown MIDI driver")
)

type initializer func(*contracts.ClientOptions) (contracts.Driver, error)

// driverInitializers maps backend names to their initializers.
var driverInitializers = map[string]initializer{
	"coremidi": mididarwin.NewMIDIClient,  // macOS (Darwin) CoreMIDI.
	"winmm":    midiwindows.NewMIDIClient, // Windows multimedia API.
	"rtmidi":   midirtmidi.NewMIDIClient,  // gomidi rtmidi (ALSA on Linux).
	"virtual":  midivirtual.NewMIDIClient, // In-memory ports.
}

// clientInitializers maps OS names to the default backend name.
var clientInitializers = map[string]string{
	"darwin":  "coremidi",
	"windows": "winmm",
	"linux":   "rtmidi",
}

// NewClient initializes a MIDI driver. An explicit opts.Driver wins; otherwise
// the backend is chosen from the current operating system.
//
// opts *contracts.ClientOptions: Configuration options for the MIDI driver.
//
// Returns:
//   - contracts.Driver: An instance of the MIDI driver.
//   - error: ErrUnknownDriver, ErrUnsupportedOS, or an initialization failure.
func NewClient(opts *contracts.ClientOptions) (contracts.Driver, error) {
	name := opts.Driver
	if name == "" {
		def, exists := clientInitializers[runtime.GOOS]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOS, runtime.GOOS)
		}
		name = def
	}

	initFn, exists := driverInitializers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownDriver, name, DriverNames())
	}
	return initFn(opts)
}

// DriverNames lists the backend names accepted by WithDriver.
func DriverNames() []string {
	names := make([]string, 0, len(driverInitializers))
	for name := range driverInitializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
