// Package wire splits raw MIDI byte streams into individual messages.
package wire

import (
	"errors"

	"gitlab.com/gomidi/midi/v2"
)

// ErrIncompleteMessage is returned when a packet ends in the middle of a message.
var ErrIncompleteMessage = errors.New("incomplete MIDI message")

// Length returns the total length in bytes of a message starting with status,
// or 0 when the length is not fixed (SysEx) or status is not a status byte.
func Length(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xC0, status >= 0xE0 && status < 0xF0:
		return 3
	case status < 0xE0:
		return 2
	}

	switch status {
	case 0xF1, 0xF3:
		return 2
	case 0xF2:
		return 3
	case 0xF0:
		return 0
	}
	return 1
}

// Split breaks a packet into messages. SysEx runs up to and including 0xF7.
// Stray data bytes are skipped.
func Split(data []byte) ([]midi.Message, error) {
	var out []midi.Message
	for i := 0; i < len(data); {
		status := data[i]
		if status < 0x80 {
			i++
			continue
		}

		if status == 0xF0 {
			end := i + 1
			for end < len(data) && data[end] != 0xF7 {
				end++
			}
			if end == len(data) {
				return out, ErrIncompleteMessage
			}
			out = append(out, midi.Message(clone(data[i:end+1])))
			i = end + 1
			continue
		}

		n := Length(status)
		if i+n > len(data) {
			return out, ErrIncompleteMessage
		}
		out = append(out, midi.Message(clone(data[i:i+n])))
		i += n
	}
	return out, nil
}

// Pack encodes a short message the way winmm expects it: status | d1<<8 | d2<<16.
func Pack(msg midi.Message) uint32 {
	var packed uint32
	for i := 0; i < len(msg) && i < 3; i++ {
		packed |= uint32(msg[i]) << (8 * i)
	}
	return packed
}

// Unpack is the inverse of Pack.
func Unpack(packed uint32) midi.Message {
	status := byte(packed & 0xFF)
	n := Length(status)
	if n == 0 {
		n = 3
	}
	msg := make([]byte, n)
	for i := 0; i < n; i++ {
		msg[i] = byte(packed >> (8 * i))
	}
	return midi.Message(msg)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
