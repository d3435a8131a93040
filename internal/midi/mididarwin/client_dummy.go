//go:build !darwin
// +build !darwin

package mididarwin

import (
	"fmt"

	"github.com/leandrodaf/midibridge/sdk/contracts"
)

var errUnavailable = fmt.Errorf("CoreMIDI is not available on this platform")

type DummyMIDIClient struct {
	logger contracts.Logger
}

func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	options.Logger.Info("Using dummy MIDI client for non-macOS system")
	return &DummyMIDIClient{
		logger: options.Logger,
	}, nil
}

func (m *DummyMIDIClient) Name() string { return "coremidi" }

func (m *DummyMIDIClient) ListInputs() ([]contracts.PortInfo, error) {
	m.logger.Warn("ListInputs called on dummy MIDI client")
	return nil, errUnavailable
}

func (m *DummyMIDIClient) ListOutputs() ([]contracts.PortInfo, error) {
	m.logger.Warn("ListOutputs called on dummy MIDI client")
	return nil, errUnavailable
}

func (m *DummyMIDIClient) OpenInput(index int) (contracts.InputPort, error) {
	m.logger.Warn("OpenInput called on dummy MIDI client")
	return nil, errUnavailable
}

func (m *DummyMIDIClient) OpenOutput(index int) (contracts.OutputPort, error) {
	m.logger.Warn("OpenOutput called on dummy MIDI client")
	return nil, errUnavailable
}

func (m *DummyMIDIClient) Close() error {
	return nil
}
