package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"iris/internal/proto"
)

var ErrNotFound = errors.New("store: shard not found")

const maxScanSize = 2 * proto.MaxFrameSize

// Shard is one locally hosted shard record.
type Shard struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Meta        []byte `json:"meta,omitempty"`
}

// Store keeps shard records in a JSONL file and serves lookups from memory.
// Later lines for the same id replace earlier ones.
type Store struct {
	path string

	mu     sync.RWMutex
	shards map[uint64]Shard
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &Store{path: path, shards: make(map[uint64]Shard)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (s *Store) load() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		var sh Shard
		if err := json.Unmarshal(sc.Bytes(), &sh); err == nil {
			s.shards[sh.ID] = sh
		}
	}
	return sc.Err()
}

// AppendJSONL appends one JSON line to path and syncs it.
func AppendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

func (s *Store) Put(sh Shard) error {
	if sh.Name == "" {
		return fmt.Errorf("store: shard %d has no name", sh.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := AppendJSONL(s.path, sh); err != nil {
		return err
	}
	s.shards[sh.ID] = sh
	return nil
}

func (s *Store) Lookup(id uint64) (Shard, error) {
	s.mu.RLock()
	sh, ok := s.shards[id]
	s.mu.RUnlock()
	if !ok {
		return Shard{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sh, nil
}

// IDs is a snapshot of the hosted shard ids.
func (s *Store) IDs() mapset.Set[uint64] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := mapset.NewThreadUnsafeSet[uint64]()
	for id := range s.shards {
		out.Add(id)
	}
	return out
}

func (s *Store) List() []Shard {
	s.mu.RLock()
	out := make([]Shard, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops a shard and rewrites the file without it.
func (s *Store) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shards[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	ids := make([]uint64, 0, len(s.shards))
	for k := range s.shards {
		if k != id {
			ids = append(ids, k)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	enc := json.NewEncoder(f)
	for _, k := range ids {
		if err := enc.Encode(s.shards[k]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename, windows refuses otherwise
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(s.path)
	delete(s.shards, id)
	return nil
}
