// Package archive keeps every call and response of a session in a badger
// database so they can be listed and exported later.
package archive

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/sdk/contracts"
)

const keyPrefix = "phrase/"

// Errors returned by the archive.
var (
	ErrInvalidSession = errors.New("invalid session id")
	ErrSessionUnknown = errors.New("session not found")
)

// Phrase is one archived sequence.
type Phrase struct {
	Session  string
	Index    int
	Role     string
	Recorded time.Time
	QPM      float64
	Notes    []sequence.Note
}

// Sequence rebuilds the note sequence.
func (p Phrase) Sequence() *sequence.NoteSequence {
	s := sequence.New(p.QPM)
	s.Notes = append(s.Notes, p.Notes...)
	return s
}

// SessionSummary describes an archived session.
type SessionSummary struct {
	ID      string
	Phrases int
	First   time.Time
}

// Store is a badger backed phrase archive.
type Store struct {
	db     *badger.DB
	logger contracts.Logger

	mu   sync.Mutex
	next map[string]int
}

// Open opens or creates the archive in dir.
func Open(dir string, logger contracts.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithCompression(options.ZSTD).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger})
	return open(opts, logger)
}

// OpenInMemory opens a throwaway archive.
func OpenInMemory(logger contracts.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{logger})
	return open(opts, logger)
}

func open(opts badger.Options, logger contracts.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		logger.Error("Failed to open archive", logger.Field().String("dir", opts.Dir), logger.Field().Error("error", err))
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	logger.Debug("Archive opened", logger.Field().String("dir", opts.Dir), logger.Field().Bool("in_memory", opts.InMemory))
	return &Store{db: db, logger: logger, next: map[string]int{}}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// Session returns a recorder for session id.
func (s *Store) Session(id string) (*Session, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return &Session{store: s, id: id}, nil
}

// Session appends phrases to one session.
type Session struct {
	store *Store
	id    string
}

// ID returns the session id.
func (ss *Session) ID() string { return ss.id }

// Record appends seq under role.
func (ss *Session) Record(role string, seq *sequence.NoteSequence) error {
	return ss.store.record(ss.id, role, seq, time.Now())
}

func (s *Store) record(session, role string, seq *sequence.NoteSequence, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.next[session]
	if !ok {
		n, err := s.count(session)
		if err != nil {
			return err
		}
		index = n
	}

	p := Phrase{Session: session, Index: index, Role: role, Recorded: at, QPM: seq.QPM()}
	if seq != nil {
		p.Notes = append(p.Notes, seq.Notes...)
	}
	value, err := encode(p)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(phraseKey(session, index), value)
	})
	if err != nil {
		return fmt.Errorf("writing phrase: %w", err)
	}
	s.next[session] = index + 1

	s.logger.Debug("Phrase archived",
		s.logger.Field().String("session", session),
		s.logger.Field().Int("index", index),
		s.logger.Field().String("role", role),
		s.logger.Field().Int("notes", len(p.Notes)))
	return nil
}

// count returns the number of phrases stored for session.
func (s *Store) count(session string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = sessionPrefix(session)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Phrases returns the phrases of session ordered by index.
func (s *Store) Phrases(session string) ([]Phrase, error) {
	var phrases []Phrase
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(session)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := decode(val)
				if err != nil {
					return err
				}
				phrases = append(phrases, p)
				return nil
			})
			if err != nil {
				return fmt.Errorf("reading phrase %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(phrases) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSessionUnknown, session)
	}
	return phrases, nil
}

// Sessions lists every session in key order.
func (s *Store) Sessions() ([]SessionSummary, error) {
	var sessions []SessionSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, _, ok := parseKey(it.Item().Key())
			if !ok {
				continue
			}
			if n := len(sessions); n > 0 && sessions[n-1].ID == id {
				sessions[n-1].Phrases++
				continue
			}

			summary := SessionSummary{ID: id, Phrases: 1}
			err := it.Item().Value(func(val []byte) error {
				p, err := decode(val)
				if err != nil {
					return err
				}
				summary.First = p.Recorded
				return nil
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, summary)
		}
		return nil
	})
	return sessions, err
}

func sessionPrefix(session string) []byte {
	return []byte(keyPrefix + session + "/")
}

func phraseKey(session string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", keyPrefix, session, index))
}

func parseKey(key []byte) (session string, index int, ok bool) {
	rest, found := strings.CutPrefix(string(key), keyPrefix)
	if !found {
		return "", 0, false
	}
	session, num, found := strings.Cut(rest, "/")
	if !found {
		return "", 0, false
	}
	index, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, false
	}
	return session, index, true
}

func encode(p Phrase) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encoding phrase: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (Phrase, error) {
	var p Phrase
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p)
	return p, err
}

// badgerLogger routes badger's own logging to the application logger.
type badgerLogger struct {
	contracts.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
