package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidInput indicates a missing project id, username or role.
	ErrInvalidInput = errors.New("projects: invalid input")
	// ErrNotManager indicates the caller may not invite to the project.
	ErrNotManager = errors.New("projects: inviter is not a project manager")
	// ErrAlreadyMember indicates the invitee already accepted membership.
	ErrAlreadyMember = errors.New("projects: user is already a member")
	// ErrInvitationNotFound indicates no pending invitation exists.
	ErrInvitationNotFound = errors.New("projects: invitation not found")
)

// ServiceConfig describes the dependencies of the membership service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service manages project memberships and invitations.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("projects: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// AddMember records an accepted membership directly, used when a project is
// created and for seeding.
func (s *Service) AddMember(ctx context.Context, projectID int64, username, role string) error {
	username = strings.TrimSpace(username)
	parsedRole, ok := ParseRole(role)
	if projectID <= 0 || username == "" || !ok {
		return ErrInvalidInput
	}
	membership := Membership{ProjectID: projectID, Username: username, Role: parsedRole, Accepted: true}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "accepted", "updated_at"}),
		}).
		Create(&membership).Error
	if err != nil {
		return err
	}
	s.cache.Store(cacheKey(projectID, username), true)
	return nil
}

// IsMember reports whether username holds an accepted membership of projectID.
func (s *Service) IsMember(ctx context.Context, projectID int64, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if projectID <= 0 || username == "" {
		return false, nil
	}
	key := cacheKey(projectID, username)
	if cached, ok := s.cache.Load(key); ok {
		if member, ok := cached.(bool); ok && member {
			return true, nil
		}
	}
	membership, found, err := s.find(ctx, projectID, username)
	if err != nil {
		return false, err
	}
	member := found && membership.Accepted
	if member {
		s.cache.Store(key, true)
	}
	return member, nil
}

// Invite creates a pending membership for invitee. The inviter must be an
// accepted project manager.
func (s *Service) Invite(ctx context.Context, projectID int64, inviter, invitee, role string) (Membership, error) {
	inviter = strings.TrimSpace(inviter)
	invitee = strings.TrimSpace(invitee)
	parsedRole, ok := ParseRole(role)
	if projectID <= 0 || inviter == "" || invitee == "" || !ok {
		return Membership{}, ErrInvalidInput
	}

	inviterMembership, found, err := s.find(ctx, projectID, inviter)
	if err != nil {
		return Membership{}, err
	}
	if !found || !inviterMembership.Accepted || inviterMembership.Role != RoleManager {
		return Membership{}, ErrNotManager
	}

	existing, found, err := s.find(ctx, projectID, invitee)
	if err != nil {
		return Membership{}, err
	}
	if found && existing.Accepted {
		return Membership{}, ErrAlreadyMember
	}

	invitation := Membership{
		ProjectID: projectID,
		Username:  invitee,
		Role:      parsedRole,
		InvitedBy: inviter,
		Accepted:  false,
	}
	if found {
		invitation.CreatedAt = existing.CreatedAt
	}
	if err := s.db.WithContext(ctx).Save(&invitation).Error; err != nil {
		return Membership{}, err
	}
	s.logger.Info("project invitation created",
		zap.Int64("project_id", projectID),
		zap.String("inviter", inviter),
		zap.String("invitee", invitee),
		zap.String("role", parsedRole))
	return invitation, nil
}

// Accept turns the pending invitation of username into a membership.
func (s *Service) Accept(ctx context.Context, projectID int64, username string) (Membership, error) {
	username = strings.TrimSpace(username)
	if projectID <= 0 || username == "" {
		return Membership{}, ErrInvalidInput
	}
	invitation, found, err := s.find(ctx, projectID, username)
	if err != nil {
		return Membership{}, err
	}
	if !found {
		return Membership{}, ErrInvitationNotFound
	}
	if invitation.Accepted {
		return Membership{}, ErrAlreadyMember
	}
	invitation.Accepted = true
	if err := s.db.WithContext(ctx).Save(&invitation).Error; err != nil {
		return Membership{}, err
	}
	s.cache.Store(cacheKey(projectID, username), true)
	s.logger.Info("project invitation accepted",
		zap.Int64("project_id", projectID),
		zap.String("username", username))
	return invitation, nil
}

func (s *Service) find(ctx context.Context, projectID int64, username string) (Membership, bool, error) {
	var membership Membership
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND username = ?", projectID, username).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	return membership, true, nil
}

func cacheKey(projectID int64, username string) string {
	return fmt.Sprintf("%d:%s", projectID, username)
}
