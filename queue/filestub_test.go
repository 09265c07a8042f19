package queue_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStubStore_SaveGetDelete(t *testing.T) {
	s, err := queue.NewFileStubStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	stub := &queue.JobStub{JobID: "job-1", UserID: "alice", BlueprintID: "bp-1", Status: queue.JobRunning}
	require.NoError(t, s.SaveStub(ctx, stub))

	got, err := s.GetStub(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, queue.JobRunning, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())

	list, err := s.ListStubs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteStub(ctx, "job-1"))
	_, err = s.GetStub(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrStubNotFound)

	// Deleting an absent stub is not an error.
	require.NoError(t, s.DeleteStub(ctx, "job-1"))
}

func TestFileStubStore_RejectsBadJobIDs(t *testing.T) {
	s, err := queue.NewFileStubStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetStub(context.Background(), "../escape")
	assert.Error(t, err)
	assert.Error(t, s.SaveStub(context.Background(), &queue.JobStub{JobID: ""}))
}

func TestFileStubStore_WatchDiscoversSiblingWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := queue.NewFileStubStore(dir)
	require.NoError(t, err)

	// A stub that predates the watcher must be replayed on Watch.
	require.NoError(t, s.SaveStub(context.Background(), &queue.JobStub{JobID: "job-early", UserID: "alice", Status: queue.JobRunning}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]queue.JobStatus)
	require.NoError(t, s.Watch(ctx, func(stub *queue.JobStub) {
		mu.Lock()
		defer mu.Unlock()
		seen[stub.JobID] = stub.Status
	}))

	mu.Lock()
	assert.Equal(t, queue.JobRunning, seen["job-early"])
	mu.Unlock()

	// Simulate a sibling process dropping a stub straight into the spool
	// directory.
	data, err := json.Marshal(&queue.JobStub{JobID: "job-sibling", UserID: "bob", Status: queue.JobPending, UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-sibling.json"), data, 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		_, ok := seen["job-sibling"]
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, queue.JobPending, seen["job-sibling"])
	mu.Unlock()
}

func TestRegistry_AdoptsStubFromWatcher(t *testing.T) {
	dir := t.TempDir()
	stubs, err := queue.NewFileStubStore(dir)
	require.NoError(t, err)

	r := newRegistry(t, queue.RegistryConfig{}, queue.WithStubStore(stubs))

	// Another process's stub lands in the spool.
	data, err := json.Marshal(&queue.JobStub{JobID: "job-remote", UserID: "bob", BlueprintID: "bp-9", Status: queue.JobRunning, UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-remote.json"), data, 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.GetJob("job-remote"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, ok := r.GetJob("job-remote")
	require.True(t, ok, "registry should adopt the sibling's stub")
	assert.Equal(t, queue.JobRunning, job.Status)
	assert.Equal(t, "bp-9", job.BlueprintID)

	// The event stream lives with the owning process only.
	_, err = r.Subscribe("job-remote", func(agent.Event) error { return nil })
	assert.Error(t, err)
}

func TestRegistry_EvictsStaleRemoteMirror(t *testing.T) {
	dir := t.TempDir()
	stubs, err := queue.NewFileStubStore(dir)
	require.NoError(t, err)

	r := newRegistry(t, queue.RegistryConfig{TTL: 10 * time.Millisecond, EvictInterval: 20 * time.Millisecond},
		queue.WithStubStore(stubs))

	// A sibling writes a running stub, then crashes without ever finishing.
	data, err := json.Marshal(&queue.JobStub{JobID: "job-stale", UserID: "bob", Status: queue.JobRunning, UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-stale.json"), data, 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.GetJob("job-stale"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok := r.GetJob("job-stale")
	require.True(t, ok, "registry should adopt the sibling's stub")

	// The mirror never turns terminal; the pending window collects it.
	for time.Now().Before(deadline) {
		if _, ok := r.GetJob("job-stale"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok = r.GetJob("job-stale")
	assert.False(t, ok, "a mirror of a crashed sibling should be collected")
}
