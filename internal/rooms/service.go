package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidMembership indicates an empty room or user identifier.
	ErrInvalidMembership = errors.New("rooms: invalid membership")
)

// Membership maps a user to their role within a room.
type Membership struct {
	RoomID        string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID        string `gorm:"column:user_id;primaryKey;size:190;not null"`
	UserEmail     string `gorm:"column:user_email;size:320;not null;default:''"`
	Role          Role   `gorm:"column:role;size:32;not null"`
	CreatedAtSecs int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSecs int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_memberships"
}

// ServiceConfig describes the dependencies for room membership resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages room memberships and answers role lookups for the
// version-control engine.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rooms: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// RoleFor returns the caller's role in the room, or RoleNone when no
// membership exists.
func (s *Service) RoleFor(ctx context.Context, roomID, userID string) (Role, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return RoleNone, ErrInvalidMembership
	}

	var membership Membership
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	return membership.Role, nil
}

// SetMember upserts a membership row with the provided role.
func (s *Service) SetMember(ctx context.Context, roomID, userID, userEmail string, role Role) error {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidMembership
	}

	now := s.now().UTC().Unix()
	membership := Membership{
		RoomID:        roomID,
		UserID:        userID,
		UserEmail:     strings.TrimSpace(userEmail),
		Role:          Normalize(string(role)),
		CreatedAtSecs: now,
		UpdatedAtSecs: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "user_email", "updated_at_s"}),
	}).Create(&membership).Error
}

// EnsureOwner grants the user ownership when the room has no members yet.
// It is idempotent and leaves existing memberships untouched.
func (s *Service) EnsureOwner(ctx context.Context, roomID, userID, userEmail string) error {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidMembership
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("room_id = ?", roomID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.SetMember(ctx, roomID, userID, userEmail, RoleOwner)
}

// ListMembers returns every membership of a room.
func (s *Service) ListMembers(ctx context.Context, roomID string) ([]Membership, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrInvalidMembership
	}

	var memberships []Membership
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at_s ASC").
		Find(&memberships).Error; err != nil {
		return nil, err
	}
	return memberships, nil
}
