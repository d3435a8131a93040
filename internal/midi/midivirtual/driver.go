// Package midivirtual provides an in-memory MIDI backend. Inputs are fed with
// Inject and outputs record what was sent; an output can be looped back into
// an input to emulate a MIDI cable.
package midivirtual

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
)

// Error definitions for the virtual backend.
var (
	ErrInvalidPort = errors.New("invalid virtual MIDI port")
	ErrPortClosed  = errors.New("virtual MIDI port closed")
)

// DefaultPorts names the ports created when the backend is built from options.
var DefaultPorts = []string{"Virtual Bridge"}

// Driver is the in-memory backend.
type Driver struct {
	logger  contracts.Logger
	filter  *contracts.MIDIEventFilter
	mu      sync.Mutex
	inputs  []*InputPort
	outputs []*OutputPort
}

// NewMIDIClient builds a virtual driver from ClientOptions with DefaultPorts as
// both inputs and outputs.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	d := New(options.Logger, DefaultPorts, DefaultPorts)
	d.filter = options.MIDIEventFilter
	return d, nil
}

// New creates a driver exposing the given input and output port names.
func New(logger contracts.Logger, inputs, outputs []string) *Driver {
	d := &Driver{logger: logger}
	for i, name := range inputs {
		d.inputs = append(d.inputs, &InputPort{
			driver: d,
			info:   contracts.PortInfo{Index: i, Name: name, EntityName: name, Manufacturer: "midibridge", Direction: contracts.Input},
		})
	}
	for i, name := range outputs {
		d.outputs = append(d.outputs, &OutputPort{
			info: contracts.PortInfo{Index: i, Name: name, EntityName: name, Manufacturer: "midibridge", Direction: contracts.Output},
		})
	}
	return d
}

// Name returns "virtual".
func (d *Driver) Name() string { return "virtual" }

// ListInputs returns the configured input ports.
func (d *Driver) ListInputs() ([]contracts.PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]contracts.PortInfo, len(d.inputs))
	for i, in := range d.inputs {
		infos[i] = in.info
	}
	return infos, nil
}

// ListOutputs returns the configured output ports.
func (d *Driver) ListOutputs() ([]contracts.PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]contracts.PortInfo, len(d.outputs))
	for i, out := range d.outputs {
		infos[i] = out.info
	}
	return infos, nil
}

// OpenInput returns the input port at index.
func (d *Driver) OpenInput(index int) (contracts.InputPort, error) {
	in, err := d.Input(index)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.closed = false
	in.mu.Unlock()
	return in, nil
}

// OpenOutput returns the output port at index.
func (d *Driver) OpenOutput(index int) (contracts.OutputPort, error) {
	out, err := d.Output(index)
	if err != nil {
		return nil, err
	}
	out.mu.Lock()
	out.closed = false
	out.mu.Unlock()
	return out, nil
}

// Input gives direct access to an input port, for injecting messages.
func (d *Driver) Input(index int) (*InputPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.inputs) {
		return nil, fmt.Errorf("%w: input %d", ErrInvalidPort, index)
	}
	return d.inputs[index], nil
}

// Output gives direct access to an output port, for inspecting sent messages.
func (d *Driver) Output(index int) (*OutputPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.outputs) {
		return nil, fmt.Errorf("%w: output %d", ErrInvalidPort, index)
	}
	return d.outputs[index], nil
}

// Connect loops everything sent to output into input.
func (d *Driver) Connect(output, input int) error {
	out, err := d.Output(output)
	if err != nil {
		return err
	}
	in, err := d.Input(input)
	if err != nil {
		return err
	}
	out.mu.Lock()
	out.loop = in
	out.mu.Unlock()
	return nil
}

// Close closes every port.
func (d *Driver) Close() error {
	d.mu.Lock()
	inputs, outputs := d.inputs, d.outputs
	d.mu.Unlock()

	for _, in := range inputs {
		_ = in.Close()
	}
	for _, out := range outputs {
		_ = out.Close()
	}
	return nil
}

// InputPort is a virtual input.
type InputPort struct {
	driver *Driver
	info   contracts.PortInfo
	mu     sync.Mutex
	ch     chan<- contracts.Event
	closed bool
}

// Info describes the port.
func (p *InputPort) Info() contracts.PortInfo { return p.info }

// StartCapture stores the event channel; later injections are delivered to it.
func (p *InputPort) StartCapture(eventChannel chan<- contracts.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventChannel == nil {
		p.driver.logger.Error("StartCapture called with nil eventChannel")
		return
	}
	p.ch = eventChannel
}

// Inject delivers msg as if it arrived from a device, stamped with the current time.
func (p *InputPort) Inject(msg midi.Message) error {
	return p.InjectAt(msg, time.Now())
}

// InjectAt delivers msg with an explicit timestamp.
func (p *InputPort) InjectAt(msg midi.Message, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}
	if len(msg) == 0 || !p.driver.filter.Allows(msg[0]) {
		return nil
	}
	if p.ch == nil {
		p.driver.logger.Debug("Virtual input not capturing; message dropped", p.driver.logger.Field().String("port", p.info.Name))
		return nil
	}

	select {
	case p.ch <- contracts.Event{Timestamp: at, Message: msg}:
	default:
		p.driver.logger.Warn("Event buffer full; dropping MIDI event", p.driver.logger.Field().String("port", p.info.Name))
	}
	return nil
}

// Close stops delivery.
func (p *InputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.ch = nil
	return nil
}

// OutputPort is a virtual output that keeps every message it was sent.
type OutputPort struct {
	info   contracts.PortInfo
	mu     sync.Mutex
	sent   []midi.Message
	loop   *InputPort
	closed bool
	notify chan struct{}
}

// Info describes the port.
func (p *OutputPort) Info() contracts.PortInfo { return p.info }

// Send records msg and forwards it to a connected input.
func (p *OutputPort) Send(msg midi.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	cp := make(midi.Message, len(msg))
	copy(cp, msg)
	p.sent = append(p.sent, cp)
	loop := p.loop
	if p.notify != nil {
		close(p.notify)
		p.notify = nil
	}
	p.mu.Unlock()

	if loop != nil {
		return loop.Inject(cp)
	}
	return nil
}

// Sent returns a copy of every message sent so far.
func (p *OutputPort) Sent() []midi.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]midi.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// Changed returns a channel closed on the next Send.
func (p *OutputPort) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan struct{})
	}
	return p.notify
}

// Reset forgets the recorded messages.
func (p *OutputPort) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}

// Close marks the port closed.
func (p *OutputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
