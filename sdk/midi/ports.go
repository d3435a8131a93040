package midi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/leandrodaf/midibridge/sdk/contracts"
	"golang.org/x/text/cases"
)

// ErrPortNotFound is returned when no port matches the requested identifier.
var ErrPortNotFound = errors.New("MIDI port not found")

var fold = cases.Fold()

// FindInput resolves an input port identifier to its PortInfo.
//
// id string: A decimal port index or a port name. Names are matched exactly first,
// then case-insensitively, then as a case-insensitive substring.
//
// Returns:
//   - contracts.PortInfo: The matching port.
//   - error: ErrPortNotFound listing the available ports, or a driver error.
func FindInput(d contracts.Driver, id string) (contracts.PortInfo, error) {
	ports, err := d.ListInputs()
	if err != nil {
		return contracts.PortInfo{}, err
	}
	return MatchPort(ports, id)
}

// FindOutput resolves an output port identifier to its PortInfo. See FindInput.
func FindOutput(d contracts.Driver, id string) (contracts.PortInfo, error) {
	ports, err := d.ListOutputs()
	if err != nil {
		return contracts.PortInfo{}, err
	}
	return MatchPort(ports, id)
}

// MatchPort picks the port matching id from ports.
func MatchPort(ports []contracts.PortInfo, id string) (contracts.PortInfo, error) {
	id = strings.TrimSpace(id)

	if n, err := strconv.Atoi(id); err == nil {
		for _, p := range ports {
			if p.Index == n {
				return p, nil
			}
		}
	}

	for _, p := range ports {
		if p.Name == id {
			return p, nil
		}
	}

	folded := fold.String(id)
	for _, p := range ports {
		if fold.String(p.Name) == folded {
			return p, nil
		}
	}
	if folded != "" {
		for _, p := range ports {
			if strings.Contains(fold.String(p.Name), folded) {
				return p, nil
			}
		}
	}

	return contracts.PortInfo{}, fmt.Errorf("%w: %q (available: %s)", ErrPortNotFound, id, PortNames(ports))
}

// PortNames renders port names the way the --list output does: 'a', 'b'.
func PortNames(ports []contracts.PortInfo) string {
	if len(ports) == 0 {
		return "''"
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	return "'" + strings.Join(names, "', '") + "'"
}
