// Package chunkstore owns the immutable CSV chunk files of one symbol
// directory: naming, validation, repair bookkeeping and gap detection.
package chunkstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"tick-downloader/internal/ticks"
)

// ErrEmptyChunk is returned when asked to persist a frame without ticks.
var ErrEmptyChunk = errors.New("chunkstore: empty chunk")

// EventKind classifies a change made to the chunk directory.
type EventKind string

const (
	EventSaved    EventKind = "saved"
	EventReplaced EventKind = "replaced"
	EventRemoved  EventKind = "removed"
	EventFragment EventKind = "fragment"
)

// Event describes a single file-level change.
type Event struct {
	Kind     EventKind
	Name     string
	Previous string
	Ticks    int
}

// Observer receives every event the store emits. It must not call back into the store.
type Observer func(Event)

// Options configure a Store.
type Options struct {
	Dir      string
	Observer Observer
}

// Store is the single writer of one chunk directory.
type Store struct {
	dir      string
	logger   zerolog.Logger
	observer Observer
}

// New opens (and creates) the chunk directory.
func New(opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("chunk directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &Store{
		dir:      opts.Dir,
		logger:   logger.With().Str("component", "chunkstore").Logger(),
		observer: opts.Observer,
	}, nil
}

// Dir returns the managed directory.
func (s *Store) Dir() string { return s.dir }

// Path joins a chunk name onto the directory.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// SetObserver replaces the event observer.
func (s *Store) SetObserver(o Observer) { s.observer = o }

// List returns chunk names ordered by their first trade ID. Names without a
// numeric prefix sort last, by name.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sortNames(names)
	return names, nil
}

func sortNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		a, okA := prefixID(names[i])
		b, okB := prefixID(names[j])
		switch {
		case okA && okB:
			if a != b {
				return a < b
			}
			return names[i] < names[j]
		case okA != okB:
			return okA
		default:
			return names[i] < names[j]
		}
	})
}

// Read loads a chunk file.
func (s *Store) Read(name string) ([]ticks.Tick, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", name, err)
	}
	defer f.Close()
	out, err := decodeCSV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", name, err)
	}
	return out, nil
}

// Save persists a sorted, de-duplicated frame under its canonical name.
//
// When the canonical name differs from previous, the frame is written under
// the new name, previous (if any) is removed and the new name is returned.
// When the name is unchanged and repaired is set, the file is overwritten in
// place and its name returned. Otherwise nothing is written and "" is returned.
func (s *Store) Save(frame []ticks.Tick, previous string, repaired bool) (string, error) {
	if len(frame) == 0 {
		return "", ErrEmptyChunk
	}
	name := NameOf(frame).String()
	switch {
	case name != previous:
		if err := s.write(name, frame); err != nil {
			return "", err
		}
		s.logger.Info().Str("file", name).Int("ticks", len(frame)).Msg("saved chunk")
		s.emit(Event{Kind: EventSaved, Name: name, Previous: previous, Ticks: len(frame)})
		if previous != "" {
			if err := s.remove(previous); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn().Err(err).Str("file", previous).Msg("failed to remove superseded chunk")
			} else if err == nil {
				s.logger.Info().Str("file", previous).Msg("removed chunk")
				s.emit(Event{Kind: EventRemoved, Name: previous})
			}
		}
		return name, nil
	case repaired:
		if err := s.write(name, frame); err != nil {
			return "", err
		}
		s.logger.Info().Str("file", name).Int("ticks", len(frame)).Msg("replaced chunk")
		s.emit(Event{Kind: EventReplaced, Name: name, Ticks: len(frame)})
		return name, nil
	default:
		return "", nil
	}
}

// RemoveFragment deletes a chunk that has been superseded by another one.
func (s *Store) RemoveFragment(name string) error {
	if err := s.remove(name); err != nil {
		return fmt.Errorf("remove fragment %s: %w", name, err)
	}
	s.logger.Info().Str("file", name).Msg("removed chunk fragment")
	s.emit(Event{Kind: EventFragment, Name: name})
	return nil
}

func (s *Store) write(name string, frame []ticks.Tick) error {
	tmp, err := os.CreateTemp(s.dir, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	if err := encodeCSV(bw, frame); err != nil {
		tmp.Close()
		return fmt.Errorf("encode chunk %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush chunk %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close chunk %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		return fmt.Errorf("rename chunk %s: %w", name, err)
	}
	return nil
}

func (s *Store) remove(name string) error {
	return os.Remove(s.Path(name))
}

func (s *Store) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
