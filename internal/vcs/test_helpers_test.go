package vcs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/rooms"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDatabaseSequence atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:vcs_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&Branch{}, &Commit{}, &BranchCheckout{}, &MergeConflict{}); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// tickingClock advances one second per call so timestamp-ordered queries
// are deterministic in tests.
type tickingClock struct {
	current int64
}

func newTickingClock() *tickingClock {
	return &tickingClock{current: 1700000000}
}

func (c *tickingClock) Now() time.Time {
	c.current++
	return time.Unix(c.current, 0).UTC()
}

type sequentialIDs struct {
	prefix string
	next   int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%03d", g.prefix, g.next), nil
}

// stubRoles answers role lookups from a fixed user-to-role map; unknown
// users report no membership.
type stubRoles map[string]rooms.Role

func (r stubRoles) RoleFor(_ context.Context, _, userID string) (rooms.Role, error) {
	return r[userID], nil
}

type mirrorCall struct {
	roomID  string
	message string
	author  string
	blob    string
}

// recordingMirror captures every mirror write and can simulate failures.
type recordingMirror struct {
	calls []mirrorCall
	hash  string
	err   error
}

func (m *recordingMirror) WriteCommit(_ context.Context, roomID, message, author string, blob []byte) (string, error) {
	m.calls = append(m.calls, mirrorCall{roomID: roomID, message: message, author: author, blob: string(blob)})
	return m.hash, m.err
}

func newTestService(t *testing.T, roles RoleResolver, snapshotMirror SnapshotMirror) *Service {
	t.Helper()

	if roles == nil {
		roles = stubRoles{}
	}
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      newTickingClock().Now,
		IDProvider: &sequentialIDs{prefix: "id"},
		Roles:      roles,
		Mirror:     snapshotMirror,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func snapshotOf(blocks ...Block) Snapshot {
	return Snapshot{Blocks: blocks}
}

func mustInitMain(t *testing.T, service *Service, roomID, userID string) *Branch {
	t.Helper()
	branch, err := service.InitializeMainBranch(context.Background(), roomID, userID)
	if err != nil {
		t.Fatalf("initialize main branch: %v", err)
	}
	return branch
}

func mustCreateBranch(t *testing.T, service *Service, req CreateBranchRequest) *Branch {
	t.Helper()
	branch, err := service.CreateBranch(context.Background(), req)
	if err != nil {
		t.Fatalf("create branch %s: %v", req.Name, err)
	}
	return branch
}

func mustCommit(t *testing.T, service *Service, req CommitRequest) *Commit {
	t.Helper()
	commit, err := service.CreateCommit(context.Background(), req)
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	return commit
}

func expectKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %d, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected error kind %d, got %d (%v)", want, got, err)
	}
}
