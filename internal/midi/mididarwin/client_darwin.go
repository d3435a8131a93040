//go:build darwin
// +build darwin

package mididarwin

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrodaf/midibridge/internal/midi/wire"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"github.com/youpy/go-coremidi"
	"gitlab.com/gomidi/midi/v2"
)

// Error definitions for MIDI connection and handling issues.
var (
	ErrNoMIDIDevices        = errors.New("no MIDI devices found")
	ErrInvalidMIDIDevice    = errors.New("invalid MIDI device")
	ErrMIDIConnectionError  = errors.New("error connecting to MIDI device")
	ErrCreateInputPort      = errors.New("error creating input port")
	ErrCreateOutputPort     = errors.New("error creating output port")
	ErrIncompleteMIDIPacket = errors.New("incomplete MIDI packet")
)

// internalPortConnection is an interface for handling disconnection from a MIDI port.
type internalPortConnection interface {
	Disconnect()
}

// ClientMid manages MIDI operations on Darwin (macOS) systems.
// One CoreMIDI client is shared by every port opened through it.
type ClientMid struct {
	logger          contracts.Logger
	client          coremidi.Client            // CoreMIDI client instance for MIDI operations.
	midiEventFilter *contracts.MIDIEventFilter // Filter for specific MIDI events.
	coreMIDIConfig  *contracts.CoreMIDIConfig  // Configuration for MIDI client.
	mu              sync.Mutex                 // Mutex for thread safety on shared resources.
	ports           []interface{ Close() error }
}

// NewMIDIClient initializes a new ClientMid for handling MIDI on macOS.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	client, err := coremidi.NewClient(options.CoreMIDIConfig.ClientName)
	if err != nil {
		return nil, err
	}
	options.Logger.Info("MIDI client successfully created", options.Logger.Field().String("driver", "coremidi"))

	return &ClientMid{
		logger:          options.Logger,
		client:          client,
		midiEventFilter: options.MIDIEventFilter,
		coreMIDIConfig:  options.CoreMIDIConfig,
	}, nil
}

// Name returns "coremidi".
func (m *ClientMid) Name() string { return "coremidi" }

// ListInputs retrieves the available MIDI sources.
func (m *ClientMid) ListInputs() ([]contracts.PortInfo, error) {
	sources, err := coremidi.AllSources()
	if err != nil {
		return nil, fmt.Errorf("error listing MIDI sources: %w", err)
	}

	ports := make([]contracts.PortInfo, len(sources))
	for i, source := range sources {
		sourceEntity := source.Entity()
		ports[i] = contracts.PortInfo{
			Index:        i,
			Name:         source.Name(),
			EntityName:   sourceEntity.Name(),
			Manufacturer: sourceEntity.Manufacturer(),
			Direction:    contracts.Input,
		}
	}
	return ports, nil
}

// ListOutputs retrieves the available MIDI destinations.
func (m *ClientMid) ListOutputs() ([]contracts.PortInfo, error) {
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return nil, fmt.Errorf("error listing MIDI destinations: %w", err)
	}

	ports := make([]contracts.PortInfo, len(destinations))
	for i, destination := range destinations {
		entity := destination.Entity()
		ports[i] = contracts.PortInfo{
			Index:        i,
			Name:         destination.Name(),
			EntityName:   entity.Name(),
			Manufacturer: entity.Manufacturer(),
			Direction:    contracts.Output,
		}
	}
	return ports, nil
}

// OpenInput connects a new input port to the source at index.
func (m *ClientMid) OpenInput(index int) (contracts.InputPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sources, err := coremidi.AllSources()
	if err != nil {
		return nil, fmt.Errorf("error retrieving MIDI sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoMIDIDevices
	}
	if index < 0 || index >= len(sources) {
		m.logger.Error(ErrInvalidMIDIDevice.Error(), m.logger.Field().Int("index", index))
		return nil, ErrInvalidMIDIDevice
	}

	source := sources[index]
	entity := source.Entity()
	in := &inputPort{
		logger: m.logger,
		filter: m.midiEventFilter,
		info: contracts.PortInfo{
			Index:        index,
			Name:         source.Name(),
			EntityName:   entity.Name(),
			Manufacturer: entity.Manufacturer(),
			Direction:    contracts.Input,
		},
	}

	port, err := coremidi.NewInputPort(m.client, "Input Port", in.handleMIDIMessage)
	if err != nil {
		m.logger.Error(ErrCreateInputPort.Error())
		return nil, fmt.Errorf("%w: %v", ErrCreateInputPort, err)
	}

	in.conn, err = port.Connect(source)
	if err != nil {
		m.logger.Error(ErrMIDIConnectionError.Error())
		return nil, fmt.Errorf("%w: %v", ErrMIDIConnectionError, err)
	}

	m.ports = append(m.ports, in)
	m.logger.Info("MIDI input connected",
		m.logger.Field().Int("deviceID", index),
		m.logger.Field().String("deviceName", source.Name()))
	return in, nil
}

// OpenOutput creates an output port that sends to the destination at index.
func (m *ClientMid) OpenOutput(index int) (contracts.OutputPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return nil, fmt.Errorf("error retrieving MIDI destinations: %w", err)
	}
	if len(destinations) == 0 {
		return nil, ErrNoMIDIDevices
	}
	if index < 0 || index >= len(destinations) {
		m.logger.Error(ErrInvalidMIDIDevice.Error(), m.logger.Field().Int("index", index))
		return nil, ErrInvalidMIDIDevice
	}

	port, err := coremidi.NewOutputPort(m.client, "Output Port")
	if err != nil {
		m.logger.Error(ErrCreateOutputPort.Error())
		return nil, fmt.Errorf("%w: %v", ErrCreateOutputPort, err)
	}

	destination := destinations[index]
	entity := destination.Entity()
	out := &outputPort{
		port:        port,
		destination: destination,
		info: contracts.PortInfo{
			Index:        index,
			Name:         destination.Name(),
			EntityName:   entity.Name(),
			Manufacturer: entity.Manufacturer(),
			Direction:    contracts.Output,
		},
	}
	m.ports = append(m.ports, out)
	m.logger.Info("MIDI output connected",
		m.logger.Field().Int("deviceID", index),
		m.logger.Field().String("deviceName", destination.Name()))
	return out, nil
}

// Close disconnects every port opened through this client.
func (m *ClientMid) Close() error {
	m.mu.Lock()
	ports := m.ports
	m.ports = nil
	m.mu.Unlock()

	for _, p := range ports {
		_ = p.Close()
	}
	return nil
}

type inputPort struct {
	logger       contracts.Logger
	filter       *contracts.MIDIEventFilter
	info         contracts.PortInfo
	conn         internalPortConnection
	eventChannel atomic.Value   // Atomic storage for the event channel to ensure thread safety.
	wg           sync.WaitGroup // WaitGroup for managing concurrent MIDI event processing.
	stopOnce     sync.Once
}

func (p *inputPort) Info() contracts.PortInfo { return p.info }

// handleMIDIMessage splits a CoreMIDI packet and forwards the messages that pass the filter.
func (p *inputPort) handleMIDIMessage(source coremidi.Source, packet coremidi.Packet) {
	p.wg.Add(1)
	defer p.wg.Done()

	eventChannel, _ := p.eventChannel.Load().(chan<- contracts.Event)
	if eventChannel == nil {
		return
	}

	msgs, err := wire.Split(packet.Data)
	if err != nil {
		p.logger.Warn(ErrIncompleteMIDIPacket.Error(), p.logger.Field().Int("bytes", len(packet.Data)))
	}

	now := time.Now()
	for _, msg := range msgs {
		if !p.filter.Allows(msg[0]) {
			continue
		}
		select {
		case eventChannel <- contracts.Event{Timestamp: now, Message: midi.Message(msg)}:
		default:
			p.logger.Warn("Event buffer full; dropping MIDI event")
		}
	}
}

func (p *inputPort) StartCapture(eventChannel chan<- contracts.Event) {
	if eventChannel == nil {
		p.logger.Error("StartCapture called with nil eventChannel")
		return
	}
	p.logger.Info("Starting MIDI event capture", p.logger.Field().String("port", p.info.Name))
	p.eventChannel.Store(eventChannel)
}

// Close disconnects from the source and waits for in-flight callbacks.
func (p *inputPort) Close() error {
	p.stopOnce.Do(func() {
		if p.conn != nil {
			p.conn.Disconnect()
		}
		// Store an inert channel so late callbacks have nowhere to write.
		p.eventChannel.Store((chan<- contracts.Event)(nil))
		p.wg.Wait()
		p.logger.Info("MIDI capture stopped", p.logger.Field().String("port", p.info.Name))
	})
	return nil
}

type outputPort struct {
	mu          sync.Mutex
	port        coremidi.OutputPort
	destination coremidi.Destination
	info        contracts.PortInfo
	closed      bool
}

func (p *outputPort) Info() contracts.PortInfo { return p.info }

func (p *outputPort) Send(msg midi.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("output %q is closed", p.info.Name)
	}
	packet := coremidi.NewPacket(msg.Bytes(), 0)
	return packet.Send(&p.port, &p.destination)
}

func (p *outputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
