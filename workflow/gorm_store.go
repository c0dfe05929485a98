package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// instanceRecord is the workflow_instances row.
type instanceRecord struct {
	ID                string    `gorm:"primaryKey;size:64"`
	BusinessRequestID string    `gorm:"size:128;not null;index:idx_workflow_instances_request"`
	CurrentState      string    `gorm:"size:32;not null;index:idx_workflow_instances_state"`
	Version           int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (instanceRecord) TableName() string { return "workflow_instances" }

// transitionRecord is one workflow_transitions row; (instance_id, seq) is unique.
type transitionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	InstanceID  string    `gorm:"size:64;not null;uniqueIndex:idx_workflow_transitions_seq"`
	Seq         int64     `gorm:"not null;uniqueIndex:idx_workflow_transitions_seq"`
	FromState   string    `gorm:"size:32"`
	ToState     string    `gorm:"size:32;not null"`
	TriggeredBy string    `gorm:"size:128"`
	Metadata    string    `gorm:"type:text"`
	OccurredAt  time.Time `gorm:"not null"`
}

func (transitionRecord) TableName() string { return "workflow_transitions" }

// GormStore persists instances in SQL through GORM. Transitions commit in a
// transaction guarded by the instance version, so processes sharing the
// database cannot both advance the same instance.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the workflow tables. Production deployments use the
// embedded SQL migrations instead.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&instanceRecord{}, &transitionRecord{})
}

func (s *GormStore) Create(ctx context.Context, inst *Instance) error {
	rec := instanceRecord{
		ID:                inst.ID,
		BusinessRequestID: inst.BusinessRequestID,
		CurrentState:      string(inst.CurrentState),
		Version:           inst.Version,
		CreatedAt:         normalizeTime(inst.CreatedAt),
		UpdatedAt:         normalizeTime(inst.UpdatedAt),
	}
	trs := make([]transitionRecord, 0, len(inst.History))
	for i, tr := range inst.History {
		r, err := toTransitionRecord(inst.ID, int64(i), tr)
		if err != nil {
			return err
		}
		trs = append(trs, r)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&instanceRecord{}).Where("id = ?", inst.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("check workflow instance: %w", err)
		}
		if n > 0 {
			return ErrInstanceExists
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create workflow instance: %w", err)
		}
		if len(trs) > 0 {
			if err := tx.Create(&trs).Error; err != nil {
				return fmt.Errorf("create workflow history: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, id string) (*Instance, error) {
	var rec instanceRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow instance: %w", err)
	}
	out, err := s.hydrate(ctx, []instanceRecord{rec})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *GormStore) AppendTransition(ctx context.Context, id string, expectedVersion int64, tr Transition) error {
	rec, err := toTransitionRecord(id, expectedVersion, tr)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&instanceRecord{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]any{
				"current_state": string(tr.To),
				"version":       expectedVersion + 1,
				"updated_at":    rec.OccurredAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update workflow instance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&instanceRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return fmt.Errorf("check workflow instance: %w", err)
			}
			if n == 0 {
				return ErrInstanceNotFound
			}
			return &ConcurrentModificationError{InstanceID: id, ExpectedVersion: expectedVersion}
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("append workflow history: %w", err)
		}
		return nil
	})
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	q := s.db.WithContext(ctx).Model(&instanceRecord{})
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		q = q.Where("current_state IN ?", states)
	}
	if filter.BusinessRequestID != "" {
		q = q.Where("business_request_id = ?", filter.BusinessRequestID)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []instanceRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return s.hydrate(ctx, recs)
}

// hydrate loads the history of recs in one query.
func (s *GormStore) hydrate(ctx context.Context, recs []instanceRecord) ([]*Instance, error) {
	ids := make([]string, len(recs))
	byID := make(map[string]*Instance, len(recs))
	out := make([]*Instance, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
		inst := &Instance{
			ID:                r.ID,
			BusinessRequestID: r.BusinessRequestID,
			CurrentState:      State(r.CurrentState),
			Version:           r.Version,
			CreatedAt:         r.CreatedAt,
			UpdatedAt:         r.UpdatedAt,
		}
		byID[r.ID] = inst
		out[i] = inst
	}

	var trs []transitionRecord
	if err := s.db.WithContext(ctx).
		Where("instance_id IN ?", ids).
		Order("instance_id ASC").Order("seq ASC").
		Find(&trs).Error; err != nil {
		return nil, fmt.Errorf("load workflow history: %w", err)
	}
	for _, r := range trs {
		tr := Transition{
			From:        State(r.FromState),
			To:          State(r.ToState),
			TriggeredBy: r.TriggeredBy,
			Timestamp:   r.OccurredAt,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &tr.Metadata); err != nil {
				return nil, fmt.Errorf("decode transition metadata: %w", err)
			}
		}
		inst := byID[r.InstanceID]
		inst.History = append(inst.History, tr)
	}
	return out, nil
}

func toTransitionRecord(id string, seq int64, tr Transition) (transitionRecord, error) {
	rec := transitionRecord{
		InstanceID:  id,
		Seq:         seq,
		FromState:   string(tr.From),
		ToState:     string(tr.To),
		TriggeredBy: tr.TriggeredBy,
		OccurredAt:  normalizeTime(tr.Timestamp),
	}
	if len(tr.Metadata) > 0 {
		b, err := json.Marshal(tr.Metadata)
		if err != nil {
			return rec, fmt.Errorf("encode transition metadata: %w", err)
		}
		rec.Metadata = string(b)
	}
	return rec, nil
}
