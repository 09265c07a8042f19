package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketJobStubs is the KV bucket holding job stubs.
const BucketJobStubs = "METASOP_JOBS"

// NATSStubStore persists job stubs in a NATS JetStream KV bucket, for
// deployments where multiple processes share one queue view.
type NATSStubStore struct {
	kv jetstream.KeyValue
}

// NewNATSStubStore creates a NATSStubStore, creating the KV bucket if it
// does not exist.
func NewNATSStubStore(ctx context.Context, js jetstream.JetStream) (*NATSStubStore, error) {
	kv, err := js.KeyValue(ctx, BucketJobStubs)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketJobStubs,
			Description: "Generation job stubs",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create job stub bucket: %w", err)
		}
	}
	return &NATSStubStore{kv: kv}, nil
}

// SaveStub creates or replaces a stub.
func (s *NATSStubStore) SaveStub(ctx context.Context, stub *JobStub) error {
	stub.UpdatedAt = time.Now()

	data, err := json.Marshal(stub)
	if err != nil {
		return fmt.Errorf("marshal job stub: %w", err)
	}
	if _, err := s.kv.Put(ctx, stub.JobID, data); err != nil {
		return fmt.Errorf("store job stub: %w", err)
	}
	return nil
}

// GetStub retrieves one stub.
func (s *NATSStubStore) GetStub(ctx context.Context, jobID string) (*JobStub, error) {
	entry, err := s.kv.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrStubNotFound
		}
		return nil, fmt.Errorf("get job stub: %w", err)
	}

	var stub JobStub
	if err := json.Unmarshal(entry.Value(), &stub); err != nil {
		return nil, fmt.Errorf("unmarshal job stub: %w", err)
	}
	return &stub, nil
}

// ListStubs returns all stubs in the bucket.
func (s *NATSStubStore) ListStubs(ctx context.Context) ([]*JobStub, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list job stub keys: %w", err)
	}

	stubs := make([]*JobStub, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var stub JobStub
		if err := json.Unmarshal(entry.Value(), &stub); err != nil {
			continue
		}
		stubs = append(stubs, &stub)
	}
	return stubs, nil
}

// DeleteStub removes one stub. Absent stubs are ignored.
func (s *NATSStubStore) DeleteStub(ctx context.Context, jobID string) error {
	if err := s.kv.Delete(ctx, jobID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete job stub: %w", err)
	}
	return nil
}

// Watch surfaces stub puts from any process via a KV watcher.
func (s *NATSStubStore) Watch(ctx context.Context, fn func(*JobStub)) error {
	watcher, err := s.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("watch job stub bucket: %w", err)
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial replay.
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				var stub JobStub
				if err := json.Unmarshal(entry.Value(), &stub); err != nil || stub.JobID == "" {
					continue
				}
				fn(&stub)
			}
		}
	}()
	return nil
}
