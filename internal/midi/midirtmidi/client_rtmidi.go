//go:build cgo

// Package midirtmidi is the gomidi/rtmidi backend, used on Linux (ALSA) and
// available anywhere cgo is enabled.
package midirtmidi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var (
	ErrNoMIDIDevices     = errors.New("no MIDI devices found")
	ErrInvalidMIDIDevice = errors.New("invalid MIDI device")
)

// ClientMid wraps the gomidi default driver.
type ClientMid struct {
	logger contracts.Logger
	filter *contracts.MIDIEventFilter
	mu     sync.Mutex
	ports  []interface{ Close() error }
}

// NewMIDIClient initializes the rtmidi backend.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	options.Logger.Info("MIDI client successfully created", options.Logger.Field().String("driver", "rtmidi"))
	return &ClientMid{logger: options.Logger, filter: options.MIDIEventFilter}, nil
}

func (m *ClientMid) Name() string { return "rtmidi" }

func (m *ClientMid) ListInputs() ([]contracts.PortInfo, error) {
	ins := midi.GetInPorts()
	ports := make([]contracts.PortInfo, len(ins))
	for i, in := range ins {
		ports[i] = contracts.PortInfo{Index: i, Name: in.String(), EntityName: in.String(), Direction: contracts.Input}
	}
	return ports, nil
}

func (m *ClientMid) ListOutputs() ([]contracts.PortInfo, error) {
	outs := midi.GetOutPorts()
	ports := make([]contracts.PortInfo, len(outs))
	for i, out := range outs {
		ports[i] = contracts.PortInfo{Index: i, Name: out.String(), EntityName: out.String(), Direction: contracts.Output}
	}
	return ports, nil
}

func (m *ClientMid) OpenInput(index int) (contracts.InputPort, error) {
	ins := midi.GetInPorts()
	if len(ins) == 0 {
		return nil, ErrNoMIDIDevices
	}
	if index < 0 || index >= len(ins) {
		return nil, fmt.Errorf("%w: input %d", ErrInvalidMIDIDevice, index)
	}

	in := &inputPort{
		logger: m.logger,
		filter: m.filter,
		port:   ins[index],
		info:   contracts.PortInfo{Index: index, Name: ins[index].String(), EntityName: ins[index].String(), Direction: contracts.Input},
	}
	m.mu.Lock()
	m.ports = append(m.ports, in)
	m.mu.Unlock()
	m.logger.Info("MIDI input selected", m.logger.Field().Int("deviceID", index), m.logger.Field().String("deviceName", in.info.Name))
	return in, nil
}

func (m *ClientMid) OpenOutput(index int) (contracts.OutputPort, error) {
	out, err := midi.OutPort(index)
	if err != nil {
		m.logger.Error("Error opening MIDI port", m.logger.Field().Int("port", index))
		return nil, fmt.Errorf("%w: %v", ErrInvalidMIDIDevice, err)
	}

	send, err := midi.SendTo(out)
	if err != nil {
		m.logger.Error("Error sending to MIDI port", m.logger.Field().Int("port", index))
		return nil, fmt.Errorf("error sending to MIDI port: %w", err)
	}

	o := &outputPort{
		port: out,
		send: send,
		info: contracts.PortInfo{Index: index, Name: out.String(), EntityName: out.String(), Direction: contracts.Output},
	}
	m.mu.Lock()
	m.ports = append(m.ports, o)
	m.mu.Unlock()
	return o, nil
}

// Close closes the ports and the gomidi driver.
func (m *ClientMid) Close() error {
	m.mu.Lock()
	ports := m.ports
	m.ports = nil
	m.mu.Unlock()

	for _, p := range ports {
		_ = p.Close()
	}
	midi.CloseDriver()
	return nil
}

type inputPort struct {
	logger contracts.Logger
	filter *contracts.MIDIEventFilter
	port   drivers.In
	info   contracts.PortInfo
	mu     sync.Mutex
	stop   func()
}

func (p *inputPort) Info() contracts.PortInfo { return p.info }

func (p *inputPort) StartCapture(eventChannel chan<- contracts.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if eventChannel == nil {
		p.logger.Error("StartCapture called with nil eventChannel")
		return
	}
	if p.stop != nil {
		p.logger.Warn("Capture already started; restarting")
		p.stop()
	}

	stop, err := midi.ListenTo(p.port, func(msg midi.Message, timestampms int32) {
		if len(msg) == 0 || !p.filter.Allows(msg[0]) {
			return
		}
		select {
		case eventChannel <- contracts.Event{Timestamp: time.Now(), Message: msg}:
		default:
			p.logger.Warn("Event buffer full; dropping MIDI event")
		}
	})
	if err != nil {
		p.logger.Error("Failed to start MIDI capture", p.logger.Field().Error("error", err))
		return
	}
	p.stop = stop
	p.logger.Info("Starting MIDI event capture", p.logger.Field().String("port", p.info.Name))
}

func (p *inputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	return p.port.Close()
}

type outputPort struct {
	mu   sync.Mutex
	port drivers.Out
	send func(msg midi.Message) error
	info contracts.PortInfo
}

func (p *outputPort) Info() contracts.PortInfo { return p.info }

func (p *outputPort) Send(msg midi.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(msg)
}

func (p *outputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}
