// Package history persists finished run results to a relational store.
package history

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/cycleflow/engine"
)

// RunRecord is one persisted workflow run.
type RunRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"size:64;uniqueIndex"`
	GraphID    string `gorm:"size:128;index"`
	Status     string `gorm:"size:16"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time
	DurationMS int64
	CreatedAt  time.Time
}

// NodeRecord is the persisted outcome of one node within a run.
type NodeRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"size:64;index"`
	NodeID     string `gorm:"size:128"`
	Status     string `gorm:"size:16"`
	Iterations int
	DurationMS int64
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
}

// CycleRecord is the persisted terminal state of one cycle group.
type CycleRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"size:64;index"`
	GroupID    string `gorm:"size:128"`
	Status     string `gorm:"size:16"`
	Iterations int
	Reason     string `gorm:"type:text"`
	ElapsedMS  int64
	CreatedAt  time.Time
}

// Store writes and reads run history.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the schema and returns a store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&RunRecord{}, &NodeRecord{}, &CycleRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "history"))}, nil
}

// Record persists a finished run with its node and cycle outcomes in one
// transaction.
func (s *Store) Record(ctx context.Context, res *engine.RunResult) error {
	run := RunRecord{
		RunID:      res.RunID,
		GraphID:    res.GraphID,
		Status:     string(res.Status),
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		for nodeID, ns := range res.Nodes {
			rec := NodeRecord{
				RunID:      res.RunID,
				NodeID:     nodeID,
				Status:     string(ns.Status),
				Iterations: ns.Iterations,
				DurationMS: ns.Duration.Milliseconds(),
				Error:      ns.Error,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		for groupID, oc := range res.Cycles {
			rec := CycleRecord{
				RunID:      res.RunID,
				GroupID:    groupID,
				Status:     string(oc.Status),
				Iterations: oc.Iterations,
				Reason:     oc.Reason,
				ElapsedMS:  oc.Elapsed.Milliseconds(),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("recording run failed", zap.String("run_id", res.RunID), zap.Error(err))
		return err
	}
	s.logger.Debug("run recorded", zap.String("run_id", res.RunID), zap.String("status", run.Status))
	return nil
}

// Run returns the persisted record for one run.
func (s *Store) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Nodes returns the node outcomes of one run.
func (s *Store) Nodes(ctx context.Context, runID string) ([]NodeRecord, error) {
	var recs []NodeRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("node_id").Find(&recs).Error
	return recs, err
}

// Cycles returns the cycle outcomes of one run.
func (s *Store) Cycles(ctx context.Context, runID string) ([]CycleRecord, error) {
	var recs []CycleRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("group_id").Find(&recs).Error
	return recs, err
}

// Recent returns the most recently recorded runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	var recs []RunRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&recs).Error
	return recs, err
}
