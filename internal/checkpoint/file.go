package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const pointerFile = "LATEST"

// FileStore keeps one JSON file per checkpoint plus a pointer file naming
// the committed one. Both the payload and the pointer are written with the
// temp-file + rename swap, so a crash at any point leaves the previous
// checkpoint committed. Older files past the retain count are pruned.
type FileStore struct {
	dir    string
	retain int
	log    zerolog.Logger
}

// NewFileStore creates the directory if needed. retain is the number of
// checkpoint files kept on disk, minimum 2 so a corrupt latest still leaves
// a predecessor.
func NewFileStore(dir string, retain int, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if retain < 2 {
		retain = 2
	}
	return &FileStore{dir: dir, retain: retain, log: log.With().Str("component", "checkpoint").Str("backend", "file").Logger()}, nil
}

func (s *FileStore) Write(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}

	name := fmt.Sprintf("cp-%012d.json", cp.Cycle)
	if err := s.atomicWrite(filepath.Join(s.dir, name), data); err != nil {
		return err
	}
	// Payload is durable; now swing the pointer.
	if err := s.atomicWrite(filepath.Join(s.dir, pointerFile), []byte(name)); err != nil {
		return err
	}

	s.prune(name)
	return nil
}

func (s *FileStore) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *FileStore) Latest(ctx context.Context) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	ptr, err := os.ReadFile(filepath.Join(s.dir, pointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: read pointer: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, strings.TrimSpace(string(ptr))))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: read payload: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, nil
}

// prune removes checkpoint files beyond the retain count, oldest first,
// never the one just committed.
func (s *FileStore) prune(committed string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, "cp-") && strings.HasSuffix(n, ".json") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for len(names) > s.retain {
		n := names[0]
		names = names[1:]
		if n == committed {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil {
			s.log.Warn().Err(err).Str("file", n).Msg("prune failed")
		}
	}
}

func (s *FileStore) Close() error { return nil }
