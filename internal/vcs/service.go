package vcs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRoles      = errors.New("role resolver is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues unique identifiers for commits, branches and conflicts.
type IDProvider interface {
	NewID() (string, error)
}

// RoleResolver reports the caller's role within a room.
type RoleResolver interface {
	RoleFor(ctx context.Context, roomID, userID string) (rooms.Role, error)
}

// SnapshotMirror writes a serialized notebook blob into an external
// working-tree repository and returns the native commit hash. The service
// treats it as best effort: failures are logged and swallowed.
type SnapshotMirror interface {
	WriteCommit(ctx context.Context, roomID, message, author string, blob []byte) (string, error)
}

// ServiceConfig describes the dependencies of the version-control service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Roles      RoleResolver
	Mirror     SnapshotMirror
	Logger     *zap.Logger
}

// Service implements branch, commit and merge semantics for block
// notebooks. It is stateless per request; all durable state lives in the
// database, and checkout operations are serialized per (room, user).
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	roles      RoleResolver
	mirror     SnapshotMirror
	logger     *zap.Logger
	checkouts  keyedMutex
}

const (
	opServiceNew = "vcs.service.new"
)

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, persistenceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, persistenceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Roles == nil {
		return nil, persistenceError(opServiceNew, "missing_role_resolver", errMissingRoles)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		roles:      cfg.Roles,
		mirror:     cfg.Mirror,
		logger:     logger,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("vcs service error", attrs...)
}

func (s *Service) roleFor(ctx context.Context, operation, roomID, userID string) (rooms.Role, error) {
	role, err := s.roles.RoleFor(ctx, roomID, userID)
	if err != nil {
		s.logError(operation, "role_lookup_failed", err,
			zap.String("room_id", roomID), zap.String("user_id", userID))
		return "", persistenceError(operation, "role_lookup_failed", err)
	}
	return role, nil
}

// keyedMutex serializes critical sections per string key. Entries are
// created on demand and retained; the key space is bounded by active
// (room, user) pairs.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		k.locks[key] = entry
	}
	k.mu.Unlock()
	entry.Lock()
	return entry
}
