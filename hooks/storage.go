package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/c360/agentkernel/errors"
)

// storageVersion versions the persisted record format.
const storageVersion = 1

// ExecutionRecord is the append-only record of one hook execution. Records
// sharing a correlation id form the replay script for that operation,
// totally ordered by StartedAt with Seq breaking ties.
type ExecutionRecord struct {
	Version       int            `json:"version"`
	ExecutionID   string         `json:"execution_id"`
	CorrelationID string         `json:"correlation_id"`
	HookID        string         `json:"hook_id"`
	HookPoint     Point          `json:"hook_type"`
	ContextBlob   json.RawMessage `json:"context_blob"`
	Result        Result         `json:"result"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Seq           uint64         `json:"seq"`
}

// Storage persists hook execution records keyed by execution id and indexed
// by correlation id.
type Storage interface {
	SaveRecord(rec *ExecutionRecord) error
	GetRecord(executionID string) (*ExecutionRecord, error)
	GetByCorrelation(correlationID string) ([]*ExecutionRecord, error)
	// Prune removes records older than cutoff, sparing up to keepPerCorrelation
	// recent records per correlation id. Returns the number removed.
	Prune(cutoff time.Time, keepPerCorrelation int) (int, error)
}

// MemoryStorage is the non-durable Storage variant.
type MemoryStorage struct {
	mu       sync.RWMutex
	byExec   map[string]*ExecutionRecord
	byCorr   map[string][]*ExecutionRecord
	seq      uint64
}

// NewMemoryStorage creates an in-memory record store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byExec: make(map[string]*ExecutionRecord),
		byCorr: make(map[string][]*ExecutionRecord),
	}
}

// SaveRecord implements Storage.
func (s *MemoryStorage) SaveRecord(rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	stored := *rec
	stored.Version = storageVersion
	stored.Seq = s.seq

	s.byExec[stored.ExecutionID] = &stored
	s.byCorr[stored.CorrelationID] = append(s.byCorr[stored.CorrelationID], &stored)
	return nil
}

// GetRecord implements Storage.
func (s *MemoryStorage) GetRecord(executionID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byExec[executionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKeyNotFound,
			"MemoryStorage", "GetRecord", executionID)
	}
	out := *rec
	return &out, nil
}

// GetByCorrelation implements Storage. Records return ordered by StartedAt,
// ties broken by insertion sequence.
func (s *MemoryStorage) GetByCorrelation(correlationID string) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	recs := s.byCorr[correlationID]
	out := make([]*ExecutionRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// Prune implements Storage.
func (s *MemoryStorage) Prune(cutoff time.Time, keepPerCorrelation int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for corr, recs := range s.byCorr {
		sortRecords(recs)
		kept := recs[:0]
		spareFrom := len(recs) - keepPerCorrelation
		for i, r := range recs {
			if r.StartedAt.Before(cutoff) && (keepPerCorrelation <= 0 || i < spareFrom) {
				delete(s.byExec, r.ExecutionID)
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.byCorr, corr)
		} else {
			s.byCorr[corr] = kept
		}
	}
	return removed, nil
}

// FileStorage is the durable Storage variant: one JSON file per record under
// <dir>/<execution_id>.json plus a correlation index maintained in memory
// and rebuilt on open.
type FileStorage struct {
	dir string
	mem *MemoryStorage
	mu  sync.Mutex
}

// NewFileStorage opens (or creates) a record store rooted at dir and rebuilds
// the correlation index from disk.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapStorage(err, "FileStorage", "NewFileStorage", "create directory")
	}
	fs := &FileStorage{dir: dir, mem: NewMemoryStorage()}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapStorage(err, "FileStorage", "NewFileStorage", "scan directory")
	}
	var recs []*ExecutionRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, rerr := os.ReadFile(filepath.Join(dir, e.Name()))
		if rerr != nil {
			continue
		}
		var rec ExecutionRecord
		if json.Unmarshal(raw, &rec) != nil || rec.ExecutionID == "" {
			continue
		}
		recs = append(recs, &rec)
	}
	sortRecords(recs)
	for _, rec := range recs {
		_ = fs.mem.SaveRecord(rec)
	}
	return fs, nil
}

// SaveRecord implements Storage. Writes are atomic via tmp+rename.
func (fs *FileStorage) SaveRecord(rec *ExecutionRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.mem.SaveRecord(rec); err != nil {
		return err
	}
	stored, _ := fs.mem.GetRecord(rec.ExecutionID)

	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return errors.WrapStorage(err, "FileStorage", "SaveRecord", "marshal record")
	}
	path := filepath.Join(fs.dir, rec.ExecutionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.WrapStorage(err, "FileStorage", "SaveRecord", "write record")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapStorage(err, "FileStorage", "SaveRecord", "commit record")
	}
	return nil
}

// GetRecord implements Storage.
func (fs *FileStorage) GetRecord(executionID string) (*ExecutionRecord, error) {
	return fs.mem.GetRecord(executionID)
}

// GetByCorrelation implements Storage.
func (fs *FileStorage) GetByCorrelation(correlationID string) ([]*ExecutionRecord, error) {
	return fs.mem.GetByCorrelation(correlationID)
}

// Prune implements Storage.
func (fs *FileStorage) Prune(cutoff time.Time, keepPerCorrelation int) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Figure out what the in-memory prune removes, then mirror it on disk.
	before := make(map[string]bool)
	for id := range fs.mem.byExec {
		before[id] = true
	}
	removed, err := fs.mem.Prune(cutoff, keepPerCorrelation)
	if err != nil {
		return 0, err
	}
	for id := range before {
		if _, ok := fs.mem.byExec[id]; !ok {
			if rerr := os.Remove(filepath.Join(fs.dir, id+".json")); rerr != nil && !os.IsNotExist(rerr) {
				return removed, errors.WrapStorage(rerr, "FileStorage", "Prune",
					fmt.Sprintf("remove %s", id))
			}
		}
	}
	return removed, nil
}

func sortRecords(recs []*ExecutionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].Seq < recs[j].Seq
		}
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
}
