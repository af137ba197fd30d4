// Package mirror maintains an audit-only working tree per room: every
// engine commit is exported as one file write plus one native git commit.
// The engine treats the mirror as fire-and-forget; nothing here affects
// commit correctness.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

const (
	notebookFileName = "notebook.quill"
	mirrorBranchName = "main"
)

// timeNow is swapped in tests for deterministic commit signatures.
var timeNow = time.Now

// Service writes notebook blobs into per-room git repositories under a
// base directory. Writes to the same room are serialized.
type Service struct {
	baseDir string
	logger  *zap.Logger
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a mirror rooted at baseDir.
func New(baseDir string, logger *zap.Logger) (*Service, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("mirror: base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		baseDir: baseDir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// WriteCommit persists the serialized notebook and records one git commit,
// returning its hash.
func (s *Service) WriteCommit(ctx context.Context, roomID, message, author string, blob []byte) (string, error) {
	if strings.TrimSpace(roomID) == "" {
		return "", fmt.Errorf("mirror: room identifier is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(roomID)
	if err != nil {
		return "", err
	}

	path := s.repoPath(roomID)
	if err := os.WriteFile(filepath.Join(path, notebookFileName), blob, 0o644); err != nil {
		return "", fmt.Errorf("write notebook file: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(notebookFileName); err != nil {
		return "", fmt.Errorf("stage notebook file: %w", err)
	}

	if strings.TrimSpace(message) == "" {
		message = "Notebook snapshot"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@mirror.quill.local",
			When:  timeNow(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit notebook file: %w", err)
	}

	s.logger.Debug("mirror commit written",
		zap.String("room_id", roomID),
		zap.String("hash", hash.String()))
	return hash.String(), nil
}

func (s *Service) ensureRepo(roomID string) (*git.Repository, error) {
	path := s.repoPath(roomID)

	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mirrorBranchName))); err != nil {
		return nil, fmt.Errorf("set HEAD: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(roomID string) string {
	return filepath.Join(s.baseDir, sanitizePathSegment(roomID))
}

func (s *Service) roomLock(roomID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	return lock
}

func sanitizePathSegment(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return "room"
	}
	return builder.String()
}

func sanitizeEmail(value string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, value)
	if cleaned == "" {
		return "mirror"
	}
	return cleaned
}
