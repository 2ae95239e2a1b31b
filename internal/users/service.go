package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidUsername indicates the username was blank.
var ErrInvalidUsername = errors.New("users: invalid username")

// ServiceConfig describes the dependencies required by the account directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves and registers accounts.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Ensure creates the account when it does not exist yet and refreshes the
// profile fields that were provided.
func (s *Service) Ensure(ctx context.Context, username, displayName, email string) (Account, error) {
	username = normalize(username)
	if username == "" {
		return Account{}, ErrInvalidUsername
	}

	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			Username:    username,
			DisplayName: normalize(displayName),
			Email:       normalize(email),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return Account{}, err
		}
	} else if err != nil {
		return Account{}, err
	} else {
		updates := map[string]interface{}{}
		if display := normalize(displayName); display != "" && display != account.DisplayName {
			updates["display_name"] = display
			account.DisplayName = display
		}
		if mail := normalize(email); mail != "" && mail != account.Email {
			updates["email"] = mail
			account.Email = mail
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.WithContext(ctx).Model(&Account{}).
			Where("username = ?", username).
			Updates(updates).
			Error
	}

	s.cache.Store(username, true)
	return account, nil
}

// Exists reports whether an account is registered under username.
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	username = normalize(username)
	if username == "" {
		return false, nil
	}
	if cached, ok := s.cache.Load(username); ok {
		if exists, ok := cached.(bool); ok && exists {
			return true, nil
		}
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		s.cache.Store(username, true)
	}
	return count > 0, nil
}
