package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name      string
		path      string
		serviceID string
		wantErr   bool
	}{
		{
			name:      "valid manager creation",
			path:      filepath.Join(tmpDir, "progress.json"),
			serviceID: "indexer-1",
			wantErr:   false,
		},
		{
			name:      "empty path",
			path:      "",
			serviceID: "indexer-1",
			wantErr:   true,
		},
		{
			name:      "empty service ID",
			path:      filepath.Join(tmpDir, "progress.json"),
			serviceID: "",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := NewManager(tt.path, tt.serviceID, 0, nil, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && mgr == nil {
				t.Error("NewManager() returned nil manager without error")
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status", "progress.json")

	mgr, err := NewManager(path, "indexer-1", time.Second, map[string]string{"test": "config"}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	mgr.RecordFetched(12)

	statuses := []watermark.Status{
		{Pipeline: "cp_sequence_numbers", Watermark: 11, HasWatermark: true},
		{Pipeline: "kv_epoch_ends", Watermark: 9, HasWatermark: true, Stalled: true, StallReason: "disk full"},
	}
	if err := mgr.Save(statuses); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if loaded.Version != SnapshotVersion {
		t.Errorf("Version = %s, want %s", loaded.Version, SnapshotVersion)
	}
	if loaded.ServiceID != "indexer-1" {
		t.Errorf("ServiceID = %s, want indexer-1", loaded.ServiceID)
	}
	if loaded.ReadyThrough == nil || *loaded.ReadyThrough != 9 {
		t.Errorf("ReadyThrough = %v, want 9", loaded.ReadyThrough)
	}
	if len(loaded.Pipelines) != 2 {
		t.Fatalf("len(Pipelines) = %d, want 2", len(loaded.Pipelines))
	}
	if !loaded.Pipelines[1].Stalled || loaded.Pipelines[1].StallReason != "disk full" {
		t.Errorf("stall not recorded: %+v", loaded.Pipelines[1])
	}
	if loaded.Statistics == nil || loaded.Statistics.CheckpointsFetched != 12 {
		t.Errorf("Statistics = %+v, want 12 fetched", loaded.Statistics)
	}
	if mgr.ConfigChanged(loaded) {
		t.Error("ConfigChanged() = true for the same config")
	}
}

func TestSaveWithoutWatermarksIsNotReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	mgr, err := NewManager(path, "indexer-1", time.Second, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	if err := mgr.Save([]watermark.Status{
		{Pipeline: "a", Watermark: 5, HasWatermark: true},
		{Pipeline: "b"},
	}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.ReadyThrough != nil {
		t.Errorf("ReadyThrough = %d, want nil", *loaded.ReadyThrough)
	}
	if loaded.Pipelines[1].CheckpointHi != nil {
		t.Error("pipeline without watermark reported a checkpoint")
	}
}

func TestLoad_NotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() should fail when the snapshot doesn't exist")
	}
}

func TestLoad_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	if err := os.WriteFile(path, []byte("corrupted json{{{"), 0600); err != nil {
		t.Fatalf("Failed to write corrupted snapshot: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail when the snapshot is corrupted")
	}
}

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.json")

	testData := []byte(`{"test": "data"}`)

	if err := WriteAtomic(testFile, testData); err != nil {
		t.Fatalf("WriteAtomic() failed: %v", err)
	}

	readData, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read written file: %v", err)
	}
	if string(readData) != string(testData) {
		t.Errorf("File content = %s, want %s", readData, testData)
	}

	if _, err := os.Stat(testFile + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file was not cleaned up")
	}
}

func TestAtomicWrite_DirectoryCreation(t *testing.T) {
	nestedDir := filepath.Join(t.TempDir(), "a", "b", "c")
	testFile := filepath.Join(nestedDir, "test.json")

	if err := WriteAtomic(testFile, []byte(`{}`)); err != nil {
		t.Fatalf("WriteAtomic() failed: %v", err)
	}

	if _, err := os.Stat(testFile); os.IsNotExist(err) {
		t.Error("File was not created")
	}
}

func TestRunSavesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	mgr, err := NewManager(path, "indexer-1", 20*time.Millisecond, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	wm := uint64(100)
	go func() {
		mgr.Run(ctx, func() []watermark.Status {
			return []watermark.Status{{Pipeline: "p", Watermark: wm, HasWatermark: true}}
		})
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.ReadyThrough == nil || *loaded.ReadyThrough != 100 {
		t.Errorf("ReadyThrough = %v, want 100", loaded.ReadyThrough)
	}
}

func TestConfigHashChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")

	mgr1, err := NewManager(path, "indexer-1", time.Second, map[string]string{"key": "value1"}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	if err := mgr1.Save(nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	mgr2, err := NewManager(path, "indexer-1", time.Second, map[string]string{"key": "value2"}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !mgr2.ConfigChanged(loaded) {
		t.Error("ConfigChanged() = false after the config changed")
	}
}
