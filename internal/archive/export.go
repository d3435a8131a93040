package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/leandrodaf/midibridge/internal/sequence"
)

// ExportSession writes every phrase of session as <index>-<role>.mid into dir
// and returns the written paths.
func ExportSession(s *Store, session, dir string, channel uint8) ([]string, error) {
	phrases, err := s.Phrases(session)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	paths := make([]string, 0, len(phrases))
	for _, p := range phrases {
		path := filepath.Join(dir, fmt.Sprintf("%03d-%s.mid", p.Index, p.Role))
		if err := sequence.WriteSMF(p.Sequence(), channel, path); err != nil {
			return paths, fmt.Errorf("exporting phrase %d: %w", p.Index, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
