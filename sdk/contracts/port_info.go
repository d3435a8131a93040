package contracts

// Direction tells whether a port receives or sends MIDI.
type Direction int

const (
	// Input ports deliver messages from a controller.
	Input Direction = iota
	// Output ports send messages to a synthesizer.
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// PortInfo contains information about a MIDI port.
type PortInfo struct {
	Index        int       // Position of the port in the driver listing.
	Name         string    // Port name.
	Manufacturer string    // Device manufacturer.
	EntityName   string    // Name of the entity to which the port belongs.
	Direction    Direction // Input or Output.
}
