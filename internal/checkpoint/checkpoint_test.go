package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func testHooks() Hooks {
	return Hooks{
		Version:       func() uint64 { return 1 },
		TailAddress:   func() uint64 { return 1000 },
		SnapshotIndex: func() []byte { return []byte("buckets") },
		Frontiers: func() (uint64, uint64, uint64, uint64, uint64) {
			return 1, 1, 1, 1000, 1000
		},
		BeginVersionShift:  func(uint64) {},
		WaitPendingDrained: func(bool) {},
		FlushAndFold:       func(Variant) uint64 { return 1000 },
		SnapshotMutable:    func(uint64) []byte { return []byte("mutable") },
		CommitPoints:       func() map[string]uint64 { return map[string]uint64{"s1": 42} },
	}
}

func TestTakeHybridLogCheckpointRoundTripsThroughManager(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewLocalCheckpointManager(dir)
	if err != nil {
		t.Fatalf("NewLocalCheckpointManager: %v", err)
	}

	c := NewCoordinator(mgr, testHooks(), false)
	token, err := c.TakeHybridLogCheckpoint(VariantFoldOver)
	if err != nil {
		t.Fatalf("TakeHybridLogCheckpoint: %v", err)
	}

	if err := c.CompleteCheckpoint(token, true); err != nil {
		t.Fatalf("CompleteCheckpoint: %v", err)
	}

	phase, version := c.SystemState()
	if version != 2 {
		t.Fatalf("expected version to advance to 2, got %d", version)
	}
	_ = phase

	data, err := mgr.GetLogMetadata(token)
	if err != nil {
		t.Fatalf("GetLogMetadata: %v", err)
	}
	lm, err := UnmarshalLogMetadata(data)
	if err != nil {
		t.Fatalf("UnmarshalLogMetadata: %v", err)
	}
	if lm.CommitPoints["s1"] != 42 {
		t.Fatalf("expected commit point s1=42, got %v", lm.CommitPoints)
	}
}

func TestRecoverRestoresFrontiersAndRehashesGap(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := NewLocalCheckpointManager(dir)

	indexToken := uuid.New()
	_ = mgr.CommitIndexMetadata(indexToken, mustMarshal(t, IndexMetadata{Version: 1, TailAddress: 500, Buckets: []byte("b")}))

	c := NewCoordinator(mgr, testHooks(), false)
	logToken, err := c.TakeHybridLogCheckpoint(VariantFoldOver)
	if err != nil {
		t.Fatalf("TakeHybridLogCheckpoint: %v", err)
	}

	var rehashedFrom, rehashedTo uint64
	var restoredBegin uint64
	err = c.Recover(indexToken, logToken, RecoverHooks{
		RestoreFrontiers: func(begin, head, readOnly, flushedUntil, tail uint64) { restoredBegin = begin },
		RestoreIndex:     func([]byte) {},
		RehashRange:      func(from, to uint64) { rehashedFrom, rehashedTo = from, to },
		RestoreCommitPoints: func(map[string]uint64) {},
		LoadSnapshot:     func([]byte) {},
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if restoredBegin != 1 {
		t.Fatalf("expected restored begin address 1, got %d", restoredBegin)
	}
	if rehashedFrom != 500 || rehashedTo != 1000 {
		t.Fatalf("expected rehash range [500,1000), got [%d,%d)", rehashedFrom, rehashedTo)
	}
}

func mustMarshal(t *testing.T, im IndexMetadata) []byte {
	t.Helper()
	data, err := im.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestLocalCheckpointManagerFileLayout(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := NewLocalCheckpointManager(dir)
	token := uuid.New()

	_ = mgr.CommitIndexMetadata(token, []byte("idx"))
	_ = mgr.CommitLogMetadata(token, []byte("log"))
	_ = mgr.CommitSnapshot(token, []byte("snap"))
	_ = mgr.CommitCommitPoints(token, []byte("commit"))

	for _, name := range []string{"index.dat", "info.dat", "snapshot.dat", "commit.dat"} {
		path := filepath.Join(dir, token.String(), name)
		if _, err := mgr.readFile(token, name); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
}
