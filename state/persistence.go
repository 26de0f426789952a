package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c360/agentkernel/errors"
)

// documentVersion versions the persisted state format.
const documentVersion = 1

// Entry is one persisted key/value pair.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	Class     Class           `json:"class"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Document is the full persisted state: entries keyed by scope string, then
// by key.
type Document struct {
	Version int                         `json:"version"`
	SavedAt time.Time                   `json:"saved_at"`
	Entries map[string]map[string]Entry `json:"entries"`
}

// Persistence is the storage collaborator the state manager delegates bytes
// to. Saves are atomic from the reader's perspective.
type Persistence interface {
	SaveState(doc *Document) error
	LoadState() (*Document, error)
	StateExists() bool
	DeleteState() error
	SaveSnapshot(name string, doc *Document) error
	LoadSnapshot(name string) (*Document, error)
	ListSnapshots() ([]string, error)
}

func emptyDocument() *Document {
	return &Document{Version: documentVersion, Entries: map[string]map[string]Entry{}}
}

// MemoryPersistence is the non-durable variant.
type MemoryPersistence struct {
	mu        sync.RWMutex
	state     *Document
	snapshots map[string]*Document
}

// NewMemoryPersistence creates an in-memory backend.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{snapshots: make(map[string]*Document)}
}

// SaveState implements Persistence.
func (m *MemoryPersistence) SaveState(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = copyDocument(doc)
	return nil
}

// LoadState implements Persistence.
func (m *MemoryPersistence) LoadState() (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return emptyDocument(), nil
	}
	return copyDocument(m.state), nil
}

// StateExists implements Persistence.
func (m *MemoryPersistence) StateExists() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != nil
}

// DeleteState implements Persistence.
func (m *MemoryPersistence) DeleteState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

// SaveSnapshot implements Persistence.
func (m *MemoryPersistence) SaveSnapshot(name string, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[name] = copyDocument(doc)
	return nil
}

// LoadSnapshot implements Persistence.
func (m *MemoryPersistence) LoadSnapshot(name string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.snapshots[name]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSnapshotNotFound,
			"MemoryPersistence", "LoadSnapshot", name)
	}
	return copyDocument(doc), nil
}

// ListSnapshots implements Persistence.
func (m *MemoryPersistence) ListSnapshots() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.snapshots))
	for name := range m.snapshots {
		out = append(out, name)
	}
	return out, nil
}

// FilePersistence is the durable variant: <dir>/state.json plus
// <dir>/snapshots/<name>.json. Writes go through tmp+rename so readers
// always observe a complete document.
type FilePersistence struct {
	dir string
	mu  sync.Mutex
}

// NewFilePersistence creates (or opens) a file backend rooted at dir.
func NewFilePersistence(dir string) (*FilePersistence, error) {
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755); err != nil {
		return nil, errors.WrapStorage(err, "FilePersistence", "NewFilePersistence", "create directories")
	}
	return &FilePersistence{dir: dir}, nil
}

func (f *FilePersistence) statePath() string { return filepath.Join(f.dir, "state.json") }

func (f *FilePersistence) snapshotPath(name string) string {
	// Snapshot names become file names; keep them flat.
	safe := strings.ReplaceAll(name, string(os.PathSeparator), "_")
	return filepath.Join(f.dir, "snapshots", safe+".json")
}

func (f *FilePersistence) writeAtomic(path string, doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.WrapStorage(err, "FilePersistence", "writeAtomic", "marshal document")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.WrapStorage(err, "FilePersistence", "writeAtomic", "write document")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapStorage(err, "FilePersistence", "writeAtomic", "commit document")
	}
	return nil
}

func (f *FilePersistence) readDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.WrapStorage(err, "FilePersistence", "readDocument", "read document")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WrapStorage(err, "FilePersistence", "readDocument", "parse document")
	}
	if doc.Entries == nil {
		doc.Entries = map[string]map[string]Entry{}
	}
	return &doc, nil
}

// SaveState implements Persistence.
func (f *FilePersistence) SaveState(doc *Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAtomic(f.statePath(), doc)
}

// LoadState implements Persistence.
func (f *FilePersistence) LoadState() (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDocument(f.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return nil, err
	}
	return doc, nil
}

// StateExists implements Persistence.
func (f *FilePersistence) StateExists() bool {
	_, err := os.Stat(f.statePath())
	return err == nil
}

// DeleteState implements Persistence.
func (f *FilePersistence) DeleteState() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.statePath()); err != nil && !os.IsNotExist(err) {
		return errors.WrapStorage(err, "FilePersistence", "DeleteState", "remove state file")
	}
	return nil
}

// SaveSnapshot implements Persistence.
func (f *FilePersistence) SaveSnapshot(name string, doc *Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAtomic(f.snapshotPath(name), doc)
}

// LoadSnapshot implements Persistence.
func (f *FilePersistence) LoadSnapshot(name string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDocument(f.snapshotPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSnapshotNotFound,
				"FilePersistence", "LoadSnapshot", name)
		}
		return nil, err
	}
	return doc, nil
}

// ListSnapshots implements Persistence.
func (f *FilePersistence) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, "snapshots"))
	if err != nil {
		return nil, errors.WrapStorage(err, "FilePersistence", "ListSnapshots", "scan snapshots")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	return out, nil
}

func copyDocument(doc *Document) *Document {
	out := &Document{
		Version: doc.Version,
		SavedAt: doc.SavedAt,
		Entries: make(map[string]map[string]Entry, len(doc.Entries)),
	}
	for scope, entries := range doc.Entries {
		inner := make(map[string]Entry, len(entries))
		for k, v := range entries {
			inner[k] = v
		}
		out.Entries[scope] = inner
	}
	return out
}
