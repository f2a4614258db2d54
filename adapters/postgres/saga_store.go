package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codewandler/esrc-go/core/saga"
)

// SagaStore durably persists saga instances, so an operator can inspect
// half-done or compensation-failed runs after the fact.
type SagaStore struct {
	db *gorm.DB
}

func NewSagaStore(db *gorm.DB) *SagaStore { return &SagaStore{db: db} }

func (s *SagaStore) Save(ctx context.Context, ins *saga.Instance) error {
	steps, err := json.Marshal(ins.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps: %w", err)
	}
	rec := sagaRecord{
		ID:          ins.ID,
		Name:        ins.Name,
		Status:      string(ins.Status),
		CurrentStep: ins.CurrentStep,
		Steps:       steps,
		Payload:     ins.Payload,
		Error:       ins.Error,
		CreatedAt:   ins.CreatedAt.UTC(),
		UpdatedAt:   ins.UpdatedAt.UTC(),
	}
	err = handle(ctx, s.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return storageErr("save saga instance", err)
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (*saga.Instance, error) {
	var rec sagaRecord
	if err := handle(ctx, s.db).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saga.ErrInstanceNotFound
		}
		return nil, storageErr("get saga instance", err)
	}
	return instanceFromRecord(rec)
}

func (s *SagaStore) List(ctx context.Context, status saga.Status, limit int) ([]*saga.Instance, error) {
	q := handle(ctx, s.db).Order("created_at ASC, id ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []sagaRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, storageErr("list saga instances", err)
	}
	out := make([]*saga.Instance, len(records))
	for i, rec := range records {
		ins, err := instanceFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out[i] = ins
	}
	return out, nil
}

func instanceFromRecord(rec sagaRecord) (*saga.Instance, error) {
	var steps []saga.StepRecord
	if len(rec.Steps) > 0 {
		if err := json.Unmarshal(rec.Steps, &steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of saga %s: %w", rec.ID, err)
		}
	}
	return &saga.Instance{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      saga.Status(rec.Status),
		CurrentStep: rec.CurrentStep,
		Steps:       steps,
		Payload:     rec.Payload,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

var _ saga.Store = (*SagaStore)(nil)
