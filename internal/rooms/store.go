package rooms

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// EventStore persists edit records scoped to a project.
type EventStore interface {
	FindByProject(ctx context.Context, projectID int64) ([]EditRecord, error)
	FindByID(ctx context.Context, id string) (EditRecord, bool, error)
	Save(ctx context.Context, record EditRecord) (EditRecord, error)
	DeleteByID(ctx context.Context, id string) error
}

// GormEventStore implements EventStore on the events table.
type GormEventStore struct {
	db *gorm.DB
}

// NewGormEventStore constructs a store backed by db.
func NewGormEventStore(db *gorm.DB) (*GormEventStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormEventStore{db: db}, nil
}

func (s *GormEventStore) FindByProject(ctx context.Context, projectID int64) ([]EditRecord, error) {
	var records []EditRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *GormEventStore) FindByID(ctx context.Context, id string) (EditRecord, bool, error) {
	var record EditRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EditRecord{}, false, nil
	}
	if err != nil {
		return EditRecord{}, false, err
	}
	return record, true, nil
}

func (s *GormEventStore) Save(ctx context.Context, record EditRecord) (EditRecord, error) {
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return EditRecord{}, err
	}
	return record, nil
}

func (s *GormEventStore) DeleteByID(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&EditRecord{}).Error
}
