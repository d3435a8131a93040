package contracts_test

import (
	"testing"

	"github.com/leandrodaf/midibridge/sdk/contracts"
)

func TestMIDIEventFilter_Allows(t *testing.T) {
	t.Run("Nil filter lets everything through", func(t *testing.T) {
		var f *contracts.MIDIEventFilter
		if !f.Allows(0xB3) {
			t.Error("expected nil filter to allow control changes")
		}
	})

	t.Run("Matches commands on any channel", func(t *testing.T) {
		f := &contracts.MIDIEventFilter{Commands: []contracts.MIDICommand{contracts.NoteOn, contracts.ControlChange}}
		if !f.Allows(0x9F) {
			t.Error("note on channel 16 should pass")
		}
		if !f.Allows(0xB0) {
			t.Error("control change should pass")
		}
		if f.Allows(0x80) {
			t.Error("note off should be filtered")
		}
		if f.Allows(0xF8) {
			t.Error("clock should be filtered")
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]contracts.LogLevel{
		"debug": contracts.DebugLevel,
		"INFO":  contracts.InfoLevel,
		"":      contracts.InfoLevel,
		"warn":  contracts.WarnLevel,
		"error": contracts.ErrorLevel,
	}
	for name, want := range cases {
		got, err := contracts.ParseLogLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}

	if _, err := contracts.ParseLogLevel("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if contracts.WarnLevel.String() != "warn" {
		t.Errorf("String() = %q", contracts.WarnLevel.String())
	}
}
