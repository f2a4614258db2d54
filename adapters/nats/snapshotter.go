package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esrc-go/core/es"
)

type SnapshotterConfig struct {
	// Connect creates the underlying connection. Nil uses ConnectDefault.
	Connect Connector
	Bucket  string
	// MaxBytes bounds the bucket size. Zero uses 64 MiB.
	MaxBytes int64
}

// Snapshotter keeps the latest snapshot per aggregate in a JetStream
// key-value bucket. Older versions are not retained: a LoadSnapshot with
// atOrBefore below the stored version reports not found, and the repository
// falls back to full replay.
type Snapshotter struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewSnapshotter(cfg SnapshotterConfig) (*Snapshotter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024 * 1024
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return &Snapshotter{kv: kv, closeNc: closeNatsCon}, nil
}

func (s *Snapshotter) Close() error {
	s.closeNc()
	return nil
}

func snapshotKey(aggType, aggID string) string { return aggType + "." + aggID }

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := snapshotKey(snapshot.AggregateType, snapshot.AggregateID)

	// keep the newest snapshot: a slower writer must not clobber a fresher
	// one that landed in between
	current, err := s.load(ctx, snapshot.AggregateType, snapshot.AggregateID)
	if err != nil && !errors.Is(err, es.ErrSnapshotNotFound) {
		return err
	}
	if current != nil && current.Version > snapshot.Version {
		return nil
	}

	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return storageErr("put snapshot", err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(
	ctx context.Context,
	aggType, aggID string,
	atOrBefore es.Version,
) (*es.Snapshot, error) {
	snapshot, err := s.load(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if atOrBefore > 0 && snapshot.Version > atOrBefore {
		return nil, es.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (s *Snapshotter) load(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	entry, err := s.kv.Get(ctx, snapshotKey(aggType, aggID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, storageErr("get snapshot", err)
	}
	snapshot := &es.Snapshot{}
	if err := json.Unmarshal(entry.Value(), snapshot); err != nil {
		return nil, fmt.Errorf("%w: unmarshal failed: %v", es.ErrSnapshotCorrupted, err)
	}
	return snapshot, nil
}

var _ es.Snapshotter = (*Snapshotter)(nil)
