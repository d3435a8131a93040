package contracts

import (
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// Event represents a MIDI message together with the time it was received.
type Event struct {
	Timestamp time.Time    // Timestamp indicates the time the event occurred.
	Message   midi.Message // Message holds the raw MIDI bytes (status, data1, data2).
}

// InputPort is an opened MIDI input.
type InputPort interface {
	Info() PortInfo                         // Describes the port.
	StartCapture(eventChannel chan<- Event) // Starts capturing MIDI events and sends them to the specified channel.
	Close() error                           // Stops capturing and releases the port.
}

// OutputPort is an opened MIDI output.
type OutputPort interface {
	Info() PortInfo              // Describes the port.
	Send(msg midi.Message) error // Sends a single MIDI message.
	Close() error                // Releases the port.
}

// Driver defines an interface for MIDI backend operations.
type Driver interface {
	Name() string                             // Backend name.
	ListInputs() ([]PortInfo, error)          // Lists all available MIDI input ports.
	ListOutputs() ([]PortInfo, error)         // Lists all available MIDI output ports.
	OpenInput(index int) (InputPort, error)   // Opens an input port by its index.
	OpenOutput(index int) (OutputPort, error) // Opens an output port by its index.
	Close() error                             // Releases the backend and any open ports.
}
