package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/citizen-chat/resilience-core/internal/retryqueue"
)

const (
	// SnapshotBucket is the key-value bucket operator snapshots live in.
	SnapshotBucket = "RESILIENCE"
	// RetryQueueKey holds the latest retry queue snapshot.
	RetryQueueKey = "retryqueue"
)

// SnapshotStore persists retry queue snapshots in a JetStream key-value
// bucket so operators can inspect the queue from outside the process.
type SnapshotStore struct {
	kv jetstream.KeyValue
}

// NewSnapshotStore opens the snapshot bucket, creating it when missing.
func NewSnapshotStore(ctx context.Context, client *Client) (*SnapshotStore, error) {
	js := client.JetStream()
	kv, err := js.KeyValue(ctx, SnapshotBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      SnapshotBucket,
			Description: "Resilience core operator snapshots",
			History:     5,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket: %w", err)
	}
	return &SnapshotStore{kv: kv}, nil
}

// SaveSnapshot implements retryqueue.Snapshotter.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, records []retryqueue.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := s.kv.Put(ctx, RetryQueueKey, data); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last stored retry queue snapshot.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) ([]retryqueue.Record, error) {
	entry, err := s.kv.Get(ctx, RetryQueueKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var records []retryqueue.Record
	if err := json.Unmarshal(entry.Value(), &records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return records, nil
}
