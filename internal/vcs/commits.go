package vcs

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateCommit      = "vcs.create_commit"
	opRevertCommit      = "vcs.revert_latest_commit"
	opRestoreCommit     = "vcs.restore_commit"
	opGetCommitSnapshot = "vcs.get_commit_snapshot"
	opListCommits       = "vcs.list_commits"
)

var (
	errMissingRoomID   = errors.New("room identifier is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingCommitID = errors.New("commit identifier is required")
	errMissingBranchID = errors.New("branch identifier is required")
	errNoMainBranch    = errors.New("room has no main branch")
)

// CommitRequest describes a commit to be recorded.
type CommitRequest struct {
	RoomID   string
	UserID   string
	Snapshot Snapshot
	Message  string
	// BranchID is optional; when empty the author's current checkout is
	// used, falling back to the room's main branch.
	BranchID         string
	IsMergeCommit    bool
	MergedFromBranch string
}

// CreateCommit records a snapshot on a branch and advances the branch
// pointer. The external mirror write is best effort and never fails the
// commit.
func (s *Service) CreateCommit(ctx context.Context, req CommitRequest) (*Commit, error) {
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, validationError(opCreateCommit, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationError(opCreateCommit, "missing_user_id", errMissingUserID)
	}
	if err := ValidateSnapshot(req.Snapshot); err != nil {
		return nil, validationError(opCreateCommit, "invalid_snapshot", err)
	}

	var commit *Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch, err := s.resolveCommitBranch(tx, req.RoomID, req.UserID, req.BranchID)
		if err != nil {
			return err
		}
		commit, err = s.commitOnBranch(tx, branch, req.UserID, req.Message, req.Snapshot, req.IsMergeCommit, req.MergedFromBranch)
		return err
	})
	if txErr != nil {
		return nil, txErr
	}

	s.mirrorCommit(ctx, commit)
	return commit, nil
}

// resolveCommitBranch locates the branch a commit should land on: the
// explicit branch if given, otherwise the author's checkout, otherwise the
// room's main branch.
func (s *Service) resolveCommitBranch(tx *gorm.DB, roomID, userID, branchID string) (*Branch, error) {
	if branchID != "" {
		return s.loadRoomBranch(tx, opCreateCommit, roomID, branchID)
	}

	var checkout BranchCheckout
	err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).Take(&checkout).Error
	if err == nil {
		return s.loadRoomBranch(tx, opCreateCommit, roomID, checkout.BranchID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistenceError(opCreateCommit, "checkout_lookup_failed", err)
	}

	var main Branch
	err = tx.Where("room_id = ? AND is_main = ?", roomID, true).Take(&main).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(opCreateCommit, "no_main_branch", errNoMainBranch)
	}
	if err != nil {
		return nil, persistenceError(opCreateCommit, "main_branch_lookup_failed", err)
	}
	return &main, nil
}

// commitOnBranch persists a commit row with the branch head as parent and
// advances the branch pointer. It must run inside the caller's transaction.
func (s *Service) commitOnBranch(tx *gorm.DB, branch *Branch, authorID, message string, snapshot Snapshot, isMerge bool, mergedFrom string) (*Commit, error) {
	commitID, err := s.idProvider.NewID()
	if err != nil {
		return nil, persistenceError(opCreateCommit, "id_generation_failed", err)
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = s.clock().UTC()
	}
	snapshotJSON, err := encodeSnapshot(snapshot)
	if err != nil {
		return nil, persistenceError(opCreateCommit, "snapshot_encode_failed", err)
	}

	commit := Commit{
		CommitID:         commitID,
		RoomID:           branch.RoomID,
		BranchID:         branch.BranchID,
		ParentCommitID:   branch.LastCommitID,
		AuthorID:         authorID,
		Message:          message,
		SnapshotJSON:     snapshotJSON,
		IsMergeCommit:    isMerge,
		MergedFromBranch: mergedFrom,
		CreatedAtSecs:    s.clock().UTC().Unix(),
	}
	if err := tx.Create(&commit).Error; err != nil {
		return nil, persistenceError(opCreateCommit, "commit_insert_failed", err)
	}

	if err := tx.Model(&Branch{}).
		Where("branch_id = ?", branch.BranchID).
		Update("last_commit_id", commit.CommitID).Error; err != nil {
		return nil, persistenceError(opCreateCommit, "branch_advance_failed", err)
	}
	branch.LastCommitID = commit.CommitID

	return &commit, nil
}

// mirrorCommit serializes the snapshot and hands it to the working-tree
// mirror. Failures are logged and swallowed; the commit already succeeded.
func (s *Service) mirrorCommit(ctx context.Context, commit *Commit) {
	if s.mirror == nil || commit == nil {
		return
	}

	snapshot, err := commit.Snapshot()
	if err != nil {
		s.logError(opCreateCommit, "mirror_decode_failed", err, zap.String("commit_id", commit.CommitID))
		return
	}
	blob, err := SerializeBlocks(snapshot.Blocks)
	if err != nil {
		s.logError(opCreateCommit, "mirror_serialize_failed", err, zap.String("commit_id", commit.CommitID))
		return
	}

	hash, err := s.mirror.WriteCommit(ctx, commit.RoomID, commit.Message, commit.AuthorID, []byte(blob))
	if err != nil {
		s.logError(opCreateCommit, "mirror_write_failed", err,
			zap.String("room_id", commit.RoomID), zap.String("commit_id", commit.CommitID))
		return
	}
	if hash == "" {
		return
	}
	if err := s.db.WithContext(ctx).Model(&Commit{}).
		Where("commit_id = ?", commit.CommitID).
		Update("mirror_hash", hash).Error; err != nil {
		s.logError(opCreateCommit, "mirror_hash_update_failed", err, zap.String("commit_id", commit.CommitID))
		return
	}
	commit.MirrorHash = hash
}

// RevertLatestCommit hides the most recent visible commit of a room. Only
// room admins may revert; the branch pointer and earlier commits stay
// untouched.
func (s *Service) RevertLatestCommit(ctx context.Context, roomID, userID string) (*Commit, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opRevertCommit, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, validationError(opRevertCommit, "missing_user_id", errMissingUserID)
	}

	role, err := s.roleFor(ctx, opRevertCommit, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !rooms.CanRevert(role) {
		return nil, authorizationError(opRevertCommit, "admin_role_required", nil)
	}

	var latest Commit
	err = s.db.WithContext(ctx).
		Where("room_id = ? AND hidden = ?", roomID, false).
		Order("created_at_s DESC, commit_id DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(opRevertCommit, "no_visible_commit", err)
	}
	if err != nil {
		s.logError(opRevertCommit, "commit_lookup_failed", err, zap.String("room_id", roomID))
		return nil, persistenceError(opRevertCommit, "commit_lookup_failed", err)
	}

	if err := s.db.WithContext(ctx).Model(&Commit{}).
		Where("commit_id = ?", latest.CommitID).
		Update("hidden", true).Error; err != nil {
		s.logError(opRevertCommit, "commit_hide_failed", err, zap.String("commit_id", latest.CommitID))
		return nil, persistenceError(opRevertCommit, "commit_hide_failed", err)
	}
	latest.Hidden = true

	return &latest, nil
}

// RestoreCommit returns a historical commit's snapshot without mutating
// any state; applying it is the caller's concern.
func (s *Service) RestoreCommit(ctx context.Context, roomID, commitID string) (Snapshot, error) {
	if strings.TrimSpace(roomID) == "" {
		return Snapshot{}, validationError(opRestoreCommit, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(commitID) == "" {
		return Snapshot{}, validationError(opRestoreCommit, "missing_commit_id", errMissingCommitID)
	}

	var commit Commit
	err := s.db.WithContext(ctx).
		Where("commit_id = ? AND room_id = ?", commitID, roomID).
		Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, notFoundError(opRestoreCommit, "commit_not_found", err)
	}
	if err != nil {
		return Snapshot{}, persistenceError(opRestoreCommit, "commit_lookup_failed", err)
	}

	snapshot, err := commit.Snapshot()
	if err != nil {
		return Snapshot{}, persistenceError(opRestoreCommit, "snapshot_decode_failed", err)
	}
	return snapshot, nil
}

// GetCommitSnapshot loads a commit's snapshot, failing NotFound when the
// commit is absent or carries no snapshot payload.
func (s *Service) GetCommitSnapshot(ctx context.Context, commitID string) (Snapshot, error) {
	if strings.TrimSpace(commitID) == "" {
		return Snapshot{}, validationError(opGetCommitSnapshot, "missing_commit_id", errMissingCommitID)
	}

	var commit Commit
	err := s.db.WithContext(ctx).Where("commit_id = ?", commitID).Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, notFoundError(opGetCommitSnapshot, "commit_not_found", err)
	}
	if err != nil {
		return Snapshot{}, persistenceError(opGetCommitSnapshot, "commit_lookup_failed", err)
	}
	if strings.TrimSpace(commit.SnapshotJSON) == "" {
		return Snapshot{}, notFoundError(opGetCommitSnapshot, "snapshot_missing", nil)
	}

	snapshot, err := commit.Snapshot()
	if err != nil {
		return Snapshot{}, persistenceError(opGetCommitSnapshot, "snapshot_decode_failed", err)
	}
	return snapshot, nil
}

// ListCommits returns the room's visible history, newest first, optionally
// filtered to one branch.
func (s *Service) ListCommits(ctx context.Context, roomID, branchID string) ([]Commit, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opListCommits, "missing_room_id", errMissingRoomID)
	}

	query := s.db.WithContext(ctx).
		Where("room_id = ? AND hidden = ?", roomID, false).
		Order("created_at_s DESC, commit_id DESC")
	if branchID != "" {
		query = query.Where("branch_id = ?", branchID)
	}

	var commits []Commit
	if err := query.Find(&commits).Error; err != nil {
		s.logError(opListCommits, "query_failed", err, zap.String("room_id", roomID))
		return nil, persistenceError(opListCommits, "query_failed", err)
	}
	return commits, nil
}

// loadRoomBranch loads a branch and verifies room ownership.
func (s *Service) loadRoomBranch(tx *gorm.DB, operation, roomID, branchID string) (*Branch, error) {
	if strings.TrimSpace(branchID) == "" {
		return nil, validationError(operation, "missing_branch_id", errMissingBranchID)
	}

	var branch Branch
	err := tx.Where("branch_id = ?", branchID).Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(operation, "branch_not_found", err)
	}
	if err != nil {
		return nil, persistenceError(operation, "branch_lookup_failed", err)
	}
	if roomID != "" && branch.RoomID != roomID {
		return nil, notFoundError(operation, "branch_not_in_room", nil)
	}
	return &branch, nil
}

// branchHeadSnapshot loads the snapshot at a branch's head, or an empty
// snapshot when the branch has no commits yet.
func (s *Service) branchHeadSnapshot(tx *gorm.DB, operation string, branch *Branch) (Snapshot, error) {
	if branch.LastCommitID == "" {
		return Snapshot{}, nil
	}

	var commit Commit
	err := tx.Where("commit_id = ?", branch.LastCommitID).Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, notFoundError(operation, "head_commit_not_found", err)
	}
	if err != nil {
		return Snapshot{}, persistenceError(operation, "head_commit_lookup_failed", err)
	}

	snapshot, err := commit.Snapshot()
	if err != nil {
		return Snapshot{}, persistenceError(operation, "snapshot_decode_failed", err)
	}
	return snapshot, nil
}
