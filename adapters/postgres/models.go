package postgres

import (
	"time"
)

// eventRecord is one committed event. The (aggregate_id, version) unique
// index is the storage-level guard behind optimistic concurrency; the
// secondary indexes serve type- and time-scoped audit queries.
type eventRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Seq           uint64 `gorm:"uniqueIndex:ux_es_events_seq;autoIncrement:false"`
	AggregateType string `gorm:"size:128;index:ix_es_events_agg_type_time,priority:1"`
	AggregateID   string `gorm:"size:128;uniqueIndex:ux_es_events_stream,priority:1"`
	Version       uint64 `gorm:"uniqueIndex:ux_es_events_stream,priority:2"`
	EventType     string `gorm:"size:256;index:ix_es_events_type_time,priority:1"`
	EventVersion  int
	OccurredAt    time.Time `gorm:"index:ix_es_events_agg_type_time,priority:2;index:ix_es_events_type_time,priority:2"`
	Metadata      []byte    `gorm:"type:jsonb"`
	Data          []byte    `gorm:"type:jsonb"`
}

func (eventRecord) TableName() string { return "es_events" }

// streamRecord is the head of one aggregate stream. Append performs its
// compare-and-swap against this row.
type streamRecord struct {
	AggregateType string `gorm:"primaryKey;size:128"`
	AggregateID   string `gorm:"primaryKey;size:128"`
	Version       uint64
	UpdatedAt     time.Time
}

func (streamRecord) TableName() string { return "es_streams" }

// sequenceRecord is the single-row global sequence counter. It is bumped
// inside the append transaction, so aborted appends leave no gaps.
type sequenceRecord struct {
	ID    int64 `gorm:"primaryKey"`
	Value int64
}

func (sequenceRecord) TableName() string { return "es_sequence" }

type snapshotRecord struct {
	SnapshotID    string `gorm:"primaryKey;size:64"`
	AggregateType string `gorm:"size:128;uniqueIndex:ux_es_snapshots_stream,priority:1"`
	AggregateID   string `gorm:"size:128;uniqueIndex:ux_es_snapshots_stream,priority:2"`
	Version       uint64 `gorm:"uniqueIndex:ux_es_snapshots_stream,priority:3"`
	Seq           uint64
	CreatedAt     time.Time
	SchemaVersion int
	Encoding      string `gorm:"size:32"`
	Hash          string `gorm:"size:64"`
	Data          []byte
}

func (snapshotRecord) TableName() string { return "es_snapshots" }

type deadLetterRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	CommandID   string `gorm:"size:64"`
	CommandType string `gorm:"size:256;index"`
	Payload     []byte `gorm:"type:jsonb"`
	Attempts    int
	LastError   string
	EnqueuedAt  time.Time `gorm:"index"`
}

func (deadLetterRecord) TableName() string { return "cmd_dead_letters" }

type sagaRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:128;index"`
	Status      string `gorm:"size:32;index"`
	CurrentStep int
	Steps       []byte `gorm:"type:jsonb"`
	Payload     []byte `gorm:"type:jsonb"`
	Error       string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (sagaRecord) TableName() string { return "saga_instances" }

type cacheEntryRecord struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (cacheEntryRecord) TableName() string { return "query_cache_entries" }

type cacheTagRecord struct {
	Tag string `gorm:"primaryKey;size:256;index"`
	Key string `gorm:"primaryKey;size:512;index"`
}

func (cacheTagRecord) TableName() string { return "query_cache_tags" }
