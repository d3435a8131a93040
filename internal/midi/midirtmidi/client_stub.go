//go:build !cgo

package midirtmidi

import (
	"fmt"

	"github.com/leandrodaf/midibridge/sdk/contracts"
)

// NewMIDIClient reports that the rtmidi backend needs cgo.
func NewMIDIClient(options *contracts.ClientOptions) (contracts.Driver, error) {
	return nil, fmt.Errorf("rtmidi support not compiled in this build (cgo disabled)")
}
