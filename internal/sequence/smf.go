package sequence

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// TicksPerQuarter is the resolution of exported files.
const TicksPerQuarter = 960

// EncodeSMF writes s as a format 0 Standard MIDI File.
func EncodeSMF(s *NoteSequence, channel uint8, w io.Writer) error {
	qpm := s.QPM()
	file := smf.New()
	file.TimeFormat = smf.MetricTicks(TicksPerQuarter)

	var track smf.Track
	track.Add(0, smf.MetaTempo(qpm))

	var last uint32
	for _, m := range ToMessages(s, channel) {
		tick := toTicks(m.At, qpm)
		if tick < last {
			tick = last
		}
		track.Add(tick-last, m.Message)
		last = tick
	}
	track.Close(0)

	if err := file.Add(track); err != nil {
		return fmt.Errorf("adding track: %w", err)
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding SMF: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteSMF writes s to path, replacing any existing file.
func WriteSMF(s *NoteSequence, channel uint8, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeSMF(s, channel, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func toTicks(d time.Duration, qpm float64) uint32 {
	if d <= 0 {
		return 0
	}
	quarters := d.Seconds() * qpm / 60
	return uint32(quarters*TicksPerQuarter + 0.5)
}
