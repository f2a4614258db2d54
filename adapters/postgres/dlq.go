package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/codewandler/esrc-go/core/cmdbus"
)

// DLQ is a durable dead letter queue. Letters survive restarts and can be
// replayed from any process holding the database.
type DLQ struct {
	db *gorm.DB
}

func NewDLQ(db *gorm.DB) *DLQ { return &DLQ{db: db} }

func (q *DLQ) Enqueue(ctx context.Context, letter *cmdbus.DeadLetter) error {
	rec := deadLetterRecord{
		ID:          letter.ID,
		CommandID:   letter.CommandID,
		CommandType: letter.CommandType,
		Payload:     letter.Payload,
		Attempts:    letter.Attempts,
		LastError:   letter.LastError,
		EnqueuedAt:  letter.EnqueuedAt.UTC(),
	}
	if err := handle(ctx, q.db).Create(&rec).Error; err != nil {
		return storageErr("enqueue dead letter", err)
	}
	return nil
}

func (q *DLQ) List(ctx context.Context, limit int) ([]*cmdbus.DeadLetter, error) {
	dbq := handle(ctx, q.db).Order("enqueued_at ASC, id ASC")
	if limit > 0 {
		dbq = dbq.Limit(limit)
	}
	var records []deadLetterRecord
	if err := dbq.Find(&records).Error; err != nil {
		return nil, storageErr("list dead letters", err)
	}
	out := make([]*cmdbus.DeadLetter, len(records))
	for i, rec := range records {
		out[i] = letterFromRecord(rec)
	}
	return out, nil
}

func (q *DLQ) Get(ctx context.Context, id string) (*cmdbus.DeadLetter, error) {
	var rec deadLetterRecord
	if err := handle(ctx, q.db).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cmdbus.ErrDeadLetterNotFound
		}
		return nil, storageErr("get dead letter", err)
	}
	return letterFromRecord(rec), nil
}

func (q *DLQ) Discard(ctx context.Context, id string) error {
	res := handle(ctx, q.db).Where("id = ?", id).Delete(&deadLetterRecord{})
	if res.Error != nil {
		return storageErr("discard dead letter", res.Error)
	}
	if res.RowsAffected == 0 {
		return cmdbus.ErrDeadLetterNotFound
	}
	return nil
}

func letterFromRecord(rec deadLetterRecord) *cmdbus.DeadLetter {
	return &cmdbus.DeadLetter{
		ID:          rec.ID,
		CommandID:   rec.CommandID,
		CommandType: rec.CommandType,
		Payload:     rec.Payload,
		Attempts:    rec.Attempts,
		LastError:   rec.LastError,
		EnqueuedAt:  rec.EnqueuedAt,
	}
}

var _ cmdbus.DLQ = (*DLQ)(nil)
