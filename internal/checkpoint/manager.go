package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Manager is the checkpoint persistence backend contract. A default
// local-filesystem implementation is provided; callers may supply their
// own (e.g. backed by object storage) as long as it honours the same
// per-token file semantics.
type Manager interface {
	CommitIndexMetadata(token uuid.UUID, data []byte) error
	CommitLogMetadata(token uuid.UUID, data []byte) error
	GetIndexMetadata(token uuid.UUID) ([]byte, error)
	GetLogMetadata(token uuid.UUID) ([]byte, error)

	CommitSnapshot(token uuid.UUID, data []byte) error
	GetSnapshot(token uuid.UUID) ([]byte, error)

	CommitCommitPoints(token uuid.UUID, data []byte) error
	GetCommitPoints(token uuid.UUID) ([]byte, error)

	ListIndexCheckpoints() ([]uuid.UUID, error)
	ListLogCheckpoints() ([]uuid.UUID, error)

	// Wait returns a channel that is closed (after having an error, if
	// any, sent on it) once the checkpoint identified by token reaches
	// REST. Observing completion this way — rather than polling
	// SystemState.phase — sidesteps the race the source's own
	// implementation is flagged as having between phase re-entry and a
	// caller's poll loop.
	Wait(token uuid.UUID) <-chan error

	// Complete is called exactly once per token by the coordinator that
	// drove the checkpoint to REST; it unblocks any Wait callers.
	Complete(token uuid.UUID, err error)
}

// LocalCheckpointManager lays each token's persisted state out as
// {index.dat, snapshot.dat, info.dat, commit.dat} under <dir>/<token>/,
// exactly the file layout spec.md's persisted-state section names.
type LocalCheckpointManager struct {
	dir string

	mu      sync.Mutex
	waiters map[uuid.UUID][]chan error
	done    map[uuid.UUID]error
}

// NewLocalCheckpointManager ensures dir exists and returns a manager
// rooted there.
func NewLocalCheckpointManager(dir string) (*LocalCheckpointManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating checkpoint dir: %w", err)
	}
	return &LocalCheckpointManager{
		dir:     dir,
		waiters: make(map[uuid.UUID][]chan error),
		done:    make(map[uuid.UUID]error),
	}, nil
}

func (m *LocalCheckpointManager) tokenDir(token uuid.UUID) string {
	return filepath.Join(m.dir, token.String())
}

func (m *LocalCheckpointManager) writeFile(token uuid.UUID, name string, data []byte) error {
	dir := m.tokenDir(token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func (m *LocalCheckpointManager) readFile(token uuid.UUID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.tokenDir(token), name))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading %s for token %s: %w", name, token, err)
	}
	return data, nil
}

func (m *LocalCheckpointManager) CommitIndexMetadata(token uuid.UUID, data []byte) error {
	return m.writeFile(token, "index.dat", data)
}

func (m *LocalCheckpointManager) CommitLogMetadata(token uuid.UUID, data []byte) error {
	return m.writeFile(token, "info.dat", data)
}

func (m *LocalCheckpointManager) CommitSnapshot(token uuid.UUID, data []byte) error {
	return m.writeFile(token, "snapshot.dat", data)
}

func (m *LocalCheckpointManager) CommitCommitPoints(token uuid.UUID, data []byte) error {
	return m.writeFile(token, "commit.dat", data)
}

func (m *LocalCheckpointManager) GetIndexMetadata(token uuid.UUID) ([]byte, error) {
	return m.readFile(token, "index.dat")
}

func (m *LocalCheckpointManager) GetLogMetadata(token uuid.UUID) ([]byte, error) {
	return m.readFile(token, "info.dat")
}

func (m *LocalCheckpointManager) GetSnapshot(token uuid.UUID) ([]byte, error) {
	return m.readFile(token, "snapshot.dat")
}

func (m *LocalCheckpointManager) GetCommitPoints(token uuid.UUID) ([]byte, error) {
	return m.readFile(token, "commit.dat")
}

func (m *LocalCheckpointManager) listTokensWithFile(name string) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var out []uuid.UUID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, e.Name(), name)); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *LocalCheckpointManager) ListIndexCheckpoints() ([]uuid.UUID, error) {
	return m.listTokensWithFile("index.dat")
}

func (m *LocalCheckpointManager) ListLogCheckpoints() ([]uuid.UUID, error) {
	return m.listTokensWithFile("info.dat")
}

func (m *LocalCheckpointManager) Wait(token uuid.UUID) <-chan error {
	ch := make(chan error, 1)

	m.mu.Lock()
	if err, ok := m.done[token]; ok {
		m.mu.Unlock()
		ch <- err
		close(ch)
		return ch
	}
	m.waiters[token] = append(m.waiters[token], ch)
	m.mu.Unlock()

	return ch
}

func (m *LocalCheckpointManager) Complete(token uuid.UUID, err error) {
	m.mu.Lock()
	m.done[token] = err
	waiters := m.waiters[token]
	delete(m.waiters, token)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
		close(ch)
	}
}

// LogMetadata is the FoldOver-variant log-checkpoint payload: frontiers
// plus version and per-session commit points, matching spec.md's
// persisted-state description for the FoldOver case exactly.
type LogMetadata struct {
	Begin         uint64            `json:"begin"`
	Head          uint64            `json:"head"`
	ReadOnly      uint64            `json:"read_only"`
	FlushedUntil  uint64            `json:"flushed_until"`
	Tail          uint64            `json:"tail"`
	Version       uint64            `json:"version"`
	Variant       Variant           `json:"variant"`
	CommitPoints  map[string]uint64 `json:"commit_points"`
}

func (lm LogMetadata) Marshal() ([]byte, error) { return json.Marshal(lm) }

func UnmarshalLogMetadata(data []byte) (LogMetadata, error) {
	var lm LogMetadata
	err := json.Unmarshal(data, &lm)
	return lm, err
}

// IndexMetadata is the index-checkpoint payload: the serialized bucket
// array plus the version and tail address it was captured at.
type IndexMetadata struct {
	Version     uint64 `json:"version"`
	TailAddress uint64 `json:"tail_address"`
	Buckets     []byte `json:"buckets"`
}

func (im IndexMetadata) Marshal() ([]byte, error) { return json.Marshal(im) }

func UnmarshalIndexMetadata(data []byte) (IndexMetadata, error) {
	var im IndexMetadata
	err := json.Unmarshal(data, &im)
	return im, err
}
