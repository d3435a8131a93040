//go:build windows
// +build windows

package midiwindows

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/leandrodaf/midibridge/internal/midi/wire"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
	"golang.org/x/sys/windows"
)

// Type definitions for MIDI handles
type (
	HMIDIIN  windows.Handle
	HMIDIOUT windows.Handle
)

// Constants for callback flags
const (
	CALLBACK_NULL     = 0x00000000 // No callback (output ports)
	CALLBACK_FUNCTION = 0x00030000 // Indicates that the callback is a function
	MIDI_IO_STATUS    = 0x00000020 // MIDI input/output status
)

// Constants for MIDI message types
const (
	MIM_OPEN      = 0x3C1 // MIDI device opened
	MIM_CLOSE     = 0x3C2 // MIDI device closed
	MIM_DATA      = 0x3C3 // MIDI data received
	MIM_ERROR     = 0x3C5 // MIDI error
	MIM_LONGERROR = 0x3C6 // Long MIDI error
	MIM_MOREDATA  = 0x3CC // More MIDI data available
)

var (
	ErrNoMIDIDevices     = errors.New("no MIDI devices found")
	ErrInvalidMIDIDevice = errors.New("invalid MIDI device")
)

// Struct representing MIDI input device capabilities
type midiInCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	dwSupport      uint32
}

// Struct representing MIDI output device capabilities
type midiOutCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	wTechnology    uint16
	wVoices        uint16
	wNotes         uint16
	wChannelMask   uint16
	dwSupport      uint32
}

// Load the winmm.dll library and required functions
var (
	winmm                 = windows.NewLazySystemDLL("winmm.dll")
	procMidiInGetNumDevs  = winmm.NewProc("midiInGetNumDevs")
	procMidiInGetDevCaps  = winmm.NewProc("midiInGetDevCapsW")
	procMidiInOpen        = winmm.NewProc("midiInOpen")
	procMidiInStart       = winmm.NewProc("midiInStart")
	procMidiInStop        = winmm.NewProc("midiInStop")
	procMidiInClose       = winmm.NewProc("midiInClose")
	procMidiOutGetNumDevs = winmm.NewProc("midiOutGetNumDevs")
	procMidiOutGetDevCaps = winmm.NewProc("midiOutGetDevCapsW")
	procMidiOutOpen       = winmm.NewProc("midiOutOpen")
	procMidiOutShortMsg   = winmm.NewProc("midiOutShortMsg")
	procMidiOutReset      = winmm.NewProc("midiOutReset")
	procMidiOutClose      = winmm.NewProc("midiOutClose")
)

// Input ports are looked up by id from the winmm callback instead of passing Go pointers to C.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr
	inputsMu     sync.RWMutex
	inputs       = map[uintptr]*inputPort{}
	nextInputID  uintptr
)

// ClientMid manages MIDI on Windows
type ClientMid struct {
	logger          contracts.Logger
	mu              sync.Mutex
	midiEventFilter *contracts.MIDIEventFilter
	ports           []interface{ Close() error }
}

// NewMIDIClient creates a MIDI client for Windows
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	options.Logger.Info("MIDI client created for Windows", options.Logger.Field().String("driver", "winmm"))

	return &ClientMid{
		logger:          options.Logger,
		midiEventFilter: options.MIDIEventFilter,
	}, nil
}

// Name returns "winmm".
func (m *ClientMid) Name() string { return "winmm" }

// ListInputs lists the available MIDI input devices
func (m *ClientMid) ListInputs() ([]contracts.PortInfo, error) {
	r0, _, _ := procMidiInGetNumDevs.Call()
	numDevices := uint32(r0)

	devices := make([]contracts.PortInfo, 0, numDevices)
	for i := uint32(0); i < numDevices; i++ {
		var caps midiInCaps
		r1, _, _ := procMidiInGetDevCaps.Call(
			uintptr(i),
			uintptr(unsafe.Pointer(&caps)),
			unsafe.Sizeof(caps),
		)
		if r1 != 0 {
			m.logger.Warn(fmt.Sprintf("Failed to get information for MIDI input %d", i))
			continue
		}
		deviceName := windows.UTF16ToString(caps.szPname[:])
		devices = append(devices, contracts.PortInfo{
			Index:        int(i),
			Name:         deviceName,
			EntityName:   deviceName,
			Manufacturer: fmt.Sprintf("MID: %d PID: %d", caps.wMid, caps.wPid),
			Direction:    contracts.Input,
		})
	}
	return devices, nil
}

// ListOutputs lists the available MIDI output devices
func (m *ClientMid) ListOutputs() ([]contracts.PortInfo, error) {
	r0, _, _ := procMidiOutGetNumDevs.Call()
	numDevices := uint32(r0)

	devices := make([]contracts.PortInfo, 0, numDevices)
	for i := uint32(0); i < numDevices; i++ {
		var caps midiOutCaps
		r1, _, _ := procMidiOutGetDevCaps.Call(
			uintptr(i),
			uintptr(unsafe.Pointer(&caps)),
			unsafe.Sizeof(caps),
		)
		if r1 != 0 {
			m.logger.Warn(fmt.Sprintf("Failed to get information for MIDI output %d", i))
			continue
		}
		deviceName := windows.UTF16ToString(caps.szPname[:])
		devices = append(devices, contracts.PortInfo{
			Index:        int(i),
			Name:         deviceName,
			EntityName:   deviceName,
			Manufacturer: fmt.Sprintf("MID: %d PID: %d", caps.wMid, caps.wPid),
			Direction:    contracts.Output,
		})
	}
	return devices, nil
}

// OpenInput opens a MIDI input device
func (m *ClientMid) OpenInput(index int) (contracts.InputPort, error) {
	ports, err := m.ListInputs()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNoMIDIDevices
	}
	info, ok := findPort(ports, index)
	if !ok {
		return nil, fmt.Errorf("%w: input %d", ErrInvalidMIDIDevice, index)
	}

	callbackOnce.Do(func() {
		callbackPtr = windows.NewCallback(midiInCallback)
	})

	in := &inputPort{logger: m.logger, filter: m.midiEventFilter, info: info}
	inputsMu.Lock()
	nextInputID++
	in.id = nextInputID
	inputs[in.id] = in
	inputsMu.Unlock()

	fdwOpen := CALLBACK_FUNCTION | MIDI_IO_STATUS
	r1, _, err := procMidiInOpen.Call(
		uintptr(unsafe.Pointer(&in.handle)),
		uintptr(index),
		callbackPtr,
		in.id,
		uintptr(fdwOpen),
	)
	if r1 != 0 {
		inputsMu.Lock()
		delete(inputs, in.id)
		inputsMu.Unlock()
		m.logger.Error(fmt.Sprintf("Failed to open MIDI device %d: %v", index, err))
		return nil, fmt.Errorf("failed to open MIDI device %d: %v", index, err)
	}

	m.mu.Lock()
	m.ports = append(m.ports, in)
	m.mu.Unlock()
	m.logger.Info(fmt.Sprintf("MIDI input %d connected", index))
	return in, nil
}

// OpenOutput opens a MIDI output device
func (m *ClientMid) OpenOutput(index int) (contracts.OutputPort, error) {
	ports, err := m.ListOutputs()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNoMIDIDevices
	}
	info, ok := findPort(ports, index)
	if !ok {
		return nil, fmt.Errorf("%w: output %d", ErrInvalidMIDIDevice, index)
	}

	out := &outputPort{logger: m.logger, info: info}
	r1, _, err := procMidiOutOpen.Call(
		uintptr(unsafe.Pointer(&out.handle)),
		uintptr(index),
		0,
		0,
		CALLBACK_NULL,
	)
	if r1 != 0 {
		m.logger.Error(fmt.Sprintf("Failed to open MIDI output %d: %v", index, err))
		return nil, fmt.Errorf("failed to open MIDI output %d: %v", index, err)
	}

	m.mu.Lock()
	m.ports = append(m.ports, out)
	m.mu.Unlock()
	m.logger.Info(fmt.Sprintf("MIDI output %d connected", index))
	return out, nil
}

// Close releases all ports opened through this client
func (m *ClientMid) Close() error {
	m.mu.Lock()
	ports := m.ports
	m.ports = nil
	m.mu.Unlock()

	var errs []error
	for _, p := range ports {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func findPort(ports []contracts.PortInfo, index int) (contracts.PortInfo, bool) {
	for _, p := range ports {
		if p.Index == index {
			return p, true
		}
	}
	return contracts.PortInfo{}, false
}

type inputPort struct {
	id           uintptr
	logger       contracts.Logger
	filter       *contracts.MIDIEventFilter
	info         contracts.PortInfo
	handle       HMIDIIN
	mu           sync.Mutex
	started      bool
	eventChannel atomic.Value
}

func (p *inputPort) Info() contracts.PortInfo { return p.info }

// StartCapture initializes MIDI event capture
func (p *inputPort) StartCapture(eventChannel chan<- contracts.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if eventChannel == nil {
		p.logger.Error("StartCapture called with nil eventChannel")
		return
	}
	p.eventChannel.Store(eventChannel)

	if p.started {
		return
	}
	if p.handle == 0 {
		p.logger.Error("Invalid MIDI device handle")
		return
	}

	r1, _, err := procMidiInStart.Call(uintptr(p.handle))
	if r1 != 0 {
		p.logger.Error(fmt.Sprintf("Failed to start MIDI capture: %v", err))
		return
	}
	p.started = true
	p.logger.Info("MIDI capture started", p.logger.Field().String("port", p.info.Name))
}

// Close stops the capture and releases resources
func (p *inputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle == 0 {
		return nil
	}

	r1, _, err := procMidiInStop.Call(uintptr(p.handle))
	if r1 != 0 {
		p.logger.Error(fmt.Sprintf("Failed to stop MIDI capture: %v", err))
		return err
	}

	r1, _, err = procMidiInClose.Call(uintptr(p.handle))
	if r1 != 0 {
		p.logger.Error(fmt.Sprintf("Failed to close MIDI device: %v", err))
		return err
	}

	inputsMu.Lock()
	delete(inputs, p.id)
	inputsMu.Unlock()

	p.handle = 0
	p.started = false
	p.eventChannel.Store((chan<- contracts.Event)(nil))
	p.logger.Info("MIDI capture stopped and device closed", p.logger.Field().String("port", p.info.Name))
	return nil
}

// midiInCallback processes incoming MIDI messages
func midiInCallback(hMidiIn uintptr, wMsg uint32, dwInstance uintptr, dwParam1 uintptr, dwParam2 uintptr) uintptr {
	inputsMu.RLock()
	p := inputs[dwInstance]
	inputsMu.RUnlock()
	if p == nil {
		return 0
	}

	switch wMsg {
	case MIM_OPEN:
		p.logger.Debug("MIDI device opened")
	case MIM_CLOSE:
		p.logger.Debug("MIDI device closed")
	case MIM_DATA, MIM_MOREDATA:
		msg := wire.Unpack(uint32(dwParam1))

		// Apply the MIDI event filter, checking if the command is allowed
		if !p.filter.Allows(msg[0]) {
			p.logger.Debug(fmt.Sprintf("MIDI command 0x%X filtered out", msg[0]&0xF0))
			return 0
		}

		// Send the event to the channel, with a warning in case the channel is full
		if ch, ok := p.eventChannel.Load().(chan<- contracts.Event); ok && ch != nil {
			select {
			case ch <- contracts.Event{Timestamp: time.Now(), Message: midi.Message(msg)}:
			default:
				p.logger.Warn("MIDI event channel is full; event discarded")
			}
		}
	case MIM_ERROR, MIM_LONGERROR:
		p.logger.Error(fmt.Sprintf("MIDI error: msg=0x%X", wMsg))
	default:
		p.logger.Warn(fmt.Sprintf("Unknown MIDI message: 0x%X", wMsg))
	}

	return 0
}

type outputPort struct {
	logger contracts.Logger
	info   contracts.PortInfo
	mu     sync.Mutex
	handle HMIDIOUT
}

func (p *outputPort) Info() contracts.PortInfo { return p.info }

// Send writes a short message. SysEx is not supported by this backend.
func (p *outputPort) Send(msg midi.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle == 0 {
		return fmt.Errorf("output %q is closed", p.info.Name)
	}
	if len(msg) == 0 || len(msg) > 3 {
		return fmt.Errorf("unsupported message length %d", len(msg))
	}
	r1, _, err := procMidiOutShortMsg.Call(uintptr(p.handle), uintptr(wire.Pack(msg)))
	if r1 != 0 {
		return fmt.Errorf("midiOutShortMsg failed: %v", err)
	}
	return nil
}

func (p *outputPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle == 0 {
		return nil
	}
	procMidiOutReset.Call(uintptr(p.handle))
	r1, _, err := procMidiOutClose.Call(uintptr(p.handle))
	if r1 != 0 {
		p.logger.Error(fmt.Sprintf("Failed to close MIDI output: %v", err))
		return err
	}
	p.handle = 0
	return nil
}
