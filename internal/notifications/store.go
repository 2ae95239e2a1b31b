package notifications

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Store persists notification records.
type Store interface {
	Save(ctx context.Context, record Record) (Record, error)
	FindUnreadByUser(ctx context.Context, username string) ([]Record, error)
	FindByID(ctx context.Context, id int64) (Record, bool, error)
	DeleteByID(ctx context.Context, id int64) error
}

// GormStore implements Store on the notifications table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a store backed by db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, record Record) (Record, error) {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Record{}, err
	}
	return record, nil
}

// FindUnreadByUser returns the user's unread records, newest first.
func (s *GormStore) FindUnreadByUser(ctx context.Context, username string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("username = ? AND read_status = ?", username, false).
		Order("timestamp DESC").
		Order("id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *GormStore) FindByID(ctx context.Context, id int64) (Record, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func (s *GormStore) DeleteByID(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{}).Error
}
