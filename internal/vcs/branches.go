package vcs

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateBranch   = "vcs.create_branch"
	opCheckout       = "vcs.checkout"
	opDeleteBranch   = "vcs.delete_branch"
	opInitMainBranch = "vcs.initialize_main_branch"
	opListBranches   = "vcs.list_branches"
	opPullFromMain   = "vcs.pull_from_main"
	opPushToMain     = "vcs.push_to_main"
)

const (
	mainBranchName    = "main"
	autoCommitMessage = "Auto-save before switching branches"
)

var (
	errMissingBranchName = errors.New("branch name is required")
	errBranchNameTaken   = errors.New("branch name already exists in room")
	errMainBranchLocked  = errors.New("main branch cannot be deleted")
	errBranchCheckedOut  = errors.New("branch is still checked out")
)

// CreateBranchRequest describes a branch to fork.
type CreateBranchRequest struct {
	RoomID      string
	Name        string
	UserID      string
	Description string
	// ParentBranchID is optional; when empty the room's main branch is
	// the fork point.
	ParentBranchID string
	// InitialSnapshot, when non-empty, is committed onto the new branch
	// immediately after creation.
	InitialSnapshot *Snapshot
}

// CreateBranch forks a new branch from its parent. The branch inherits the
// parent's head commit; a non-empty initial snapshot becomes the first
// commit on the new branch.
func (s *Service) CreateBranch(ctx context.Context, req CreateBranchRequest) (*Branch, error) {
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, validationError(opCreateBranch, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, validationError(opCreateBranch, "missing_name", errMissingBranchName)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationError(opCreateBranch, "missing_user_id", errMissingUserID)
	}

	var branch *Branch
	var seedCommit *Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Branch
		err := tx.Where("room_id = ? AND name = ?", req.RoomID, req.Name).Take(&existing).Error
		if err == nil {
			return conflictError(opCreateBranch, "name_taken", errBranchNameTaken)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return persistenceError(opCreateBranch, "name_lookup_failed", err)
		}

		parent, err := s.resolveForkParent(tx, req.RoomID, req.ParentBranchID)
		if err != nil {
			return err
		}

		branchID, err := s.idProvider.NewID()
		if err != nil {
			return persistenceError(opCreateBranch, "id_generation_failed", err)
		}
		branch = &Branch{
			BranchID:      branchID,
			RoomID:        req.RoomID,
			Name:          strings.TrimSpace(req.Name),
			CreatedBy:     req.UserID,
			ParentBranch:  parent.BranchID,
			LastCommitID:  parent.LastCommitID,
			Description:   req.Description,
			CreatedAtSecs: s.clock().UTC().Unix(),
		}
		if err := tx.Create(branch).Error; err != nil {
			return persistenceError(opCreateBranch, "branch_insert_failed", err)
		}

		if req.InitialSnapshot != nil && !req.InitialSnapshot.IsEmpty() {
			if err := ValidateSnapshot(*req.InitialSnapshot); err != nil {
				return validationError(opCreateBranch, "invalid_snapshot", err)
			}
			seedCommit, err = s.commitOnBranch(tx, branch, req.UserID, "Initial commit on "+branch.Name, *req.InitialSnapshot, false, "")
			if err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.mirrorCommit(ctx, seedCommit)
	return branch, nil
}

func (s *Service) resolveForkParent(tx *gorm.DB, roomID, parentBranchID string) (*Branch, error) {
	if parentBranchID != "" {
		return s.loadRoomBranch(tx, opCreateBranch, roomID, parentBranchID)
	}

	var main Branch
	err := tx.Where("room_id = ? AND is_main = ?", roomID, true).Take(&main).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(opCreateBranch, "no_main_branch", errNoMainBranch)
	}
	if err != nil {
		return nil, persistenceError(opCreateBranch, "main_branch_lookup_failed", err)
	}
	return &main, nil
}

// CheckoutResult carries the target branch's latest snapshot plus the
// auto-commit created for uncommitted work, when any.
type CheckoutResult struct {
	Branch       *Branch
	Snapshot     Snapshot
	AutoCommitID string
}

// Checkout switches a user onto a branch. Uncommitted work in
// currentSnapshot is first auto-committed onto the branch the user is
// leaving, before the checkout row is overwritten. Checkouts for the same
// (room, user) are serialized to keep that sequence atomic.
func (s *Service) Checkout(ctx context.Context, roomID, branchID, userID string, currentSnapshot *Snapshot) (CheckoutResult, error) {
	if strings.TrimSpace(roomID) == "" {
		return CheckoutResult{}, validationError(opCheckout, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(branchID) == "" {
		return CheckoutResult{}, validationError(opCheckout, "missing_branch_id", errMissingBranchID)
	}
	if strings.TrimSpace(userID) == "" {
		return CheckoutResult{}, validationError(opCheckout, "missing_user_id", errMissingUserID)
	}

	guard := s.checkouts.lock(roomID + "\x00" + userID)
	defer guard.Unlock()

	var result CheckoutResult
	var autoCommit *Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.loadRoomBranch(tx, opCheckout, roomID, branchID)
		if err != nil {
			return err
		}

		if currentSnapshot != nil && !currentSnapshot.IsEmpty() {
			if err := ValidateSnapshot(*currentSnapshot); err != nil {
				return validationError(opCheckout, "invalid_snapshot", err)
			}
			// The auto-commit lands on the branch the user is leaving,
			// resolved from the existing checkout row.
			current, err := s.resolveCommitBranch(tx, roomID, userID, "")
			if err != nil {
				return err
			}
			autoCommit, err = s.commitOnBranch(tx, current, userID, autoCommitMessage, *currentSnapshot, false, "")
			if err != nil {
				return err
			}
			result.AutoCommitID = autoCommit.CommitID
		}

		checkout := BranchCheckout{
			RoomID:          roomID,
			UserID:          userID,
			BranchID:        target.BranchID,
			CheckedOutAtSec: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"branch_id", "checked_out_at_s"}),
		}).Create(&checkout).Error; err != nil {
			return persistenceError(opCheckout, "checkout_upsert_failed", err)
		}

		snapshot, err := s.branchHeadSnapshot(tx, opCheckout, target)
		if err != nil {
			return err
		}
		result.Branch = target
		result.Snapshot = snapshot
		return nil
	})
	if txErr != nil {
		return CheckoutResult{}, txErr
	}

	s.mirrorCommit(ctx, autoCommit)
	return result, nil
}

// DeleteBranch removes a branch. The main branch is protected, the caller
// must hold owner or admin role, and no user may have the branch checked
// out. The checkout count is verified inside the delete transaction.
func (s *Service) DeleteBranch(ctx context.Context, branchID, userID string) error {
	if strings.TrimSpace(branchID) == "" {
		return validationError(opDeleteBranch, "missing_branch_id", errMissingBranchID)
	}
	if strings.TrimSpace(userID) == "" {
		return validationError(opDeleteBranch, "missing_user_id", errMissingUserID)
	}

	branch, err := s.loadRoomBranch(s.db.WithContext(ctx), opDeleteBranch, "", branchID)
	if err != nil {
		return err
	}
	if branch.IsMain {
		return validationError(opDeleteBranch, "main_branch_protected", errMainBranchLocked)
	}

	role, err := s.roleFor(ctx, opDeleteBranch, branch.RoomID, userID)
	if err != nil {
		return err
	}
	if !rooms.CanManageBranches(role) {
		return authorizationError(opDeleteBranch, "owner_or_admin_required", nil)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checkouts int64
		if err := tx.Model(&BranchCheckout{}).
			Where("branch_id = ?", branchID).
			Count(&checkouts).Error; err != nil {
			return persistenceError(opDeleteBranch, "checkout_count_failed", err)
		}
		if checkouts > 0 {
			return conflictError(opDeleteBranch, "branch_checked_out", errBranchCheckedOut)
		}
		if err := tx.Where("branch_id = ?", branchID).Delete(&Branch{}).Error; err != nil {
			return persistenceError(opDeleteBranch, "branch_delete_failed", err)
		}
		return nil
	})
}

// InitializeMainBranch creates the room's main branch when absent and
// checks the creator out to it. Calling it again returns the existing
// main branch unchanged.
func (s *Service) InitializeMainBranch(ctx context.Context, roomID, userID string) (*Branch, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opInitMainBranch, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, validationError(opInitMainBranch, "missing_user_id", errMissingUserID)
	}

	var branch *Branch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Branch
		err := tx.Where("room_id = ? AND is_main = ?", roomID, true).Take(&existing).Error
		if err == nil {
			branch = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return persistenceError(opInitMainBranch, "main_branch_lookup_failed", err)
		}

		branchID, err := s.idProvider.NewID()
		if err != nil {
			return persistenceError(opInitMainBranch, "id_generation_failed", err)
		}
		branch = &Branch{
			BranchID:      branchID,
			RoomID:        roomID,
			Name:          mainBranchName,
			CreatedBy:     userID,
			IsMain:        true,
			CreatedAtSecs: s.clock().UTC().Unix(),
		}
		if err := tx.Create(branch).Error; err != nil {
			return persistenceError(opInitMainBranch, "branch_insert_failed", err)
		}

		checkout := BranchCheckout{
			RoomID:          roomID,
			UserID:          userID,
			BranchID:        branch.BranchID,
			CheckedOutAtSec: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"branch_id", "checked_out_at_s"}),
		}).Create(&checkout).Error; err != nil {
			return persistenceError(opInitMainBranch, "checkout_upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return branch, nil
}

// ListBranches returns every branch of a room, main first, then by
// creation time.
func (s *Service) ListBranches(ctx context.Context, roomID string) ([]Branch, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opListBranches, "missing_room_id", errMissingRoomID)
	}

	var branches []Branch
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("is_main DESC, created_at_s ASC").
		Find(&branches).Error; err != nil {
		s.logError(opListBranches, "query_failed", err, zap.String("room_id", roomID))
		return nil, persistenceError(opListBranches, "query_failed", err)
	}
	return branches, nil
}

// PullFromMain merges the room's main branch into the target branch.
func (s *Service) PullFromMain(ctx context.Context, roomID, targetBranchID, userID string) (MergeOutcome, error) {
	main, err := s.mainBranch(ctx, opPullFromMain, roomID)
	if err != nil {
		return MergeOutcome{}, err
	}
	return s.MergeBranches(ctx, main.BranchID, targetBranchID, userID, "Pull from "+main.Name)
}

// PushToMain merges a branch into the room's main branch. The caller must
// hold owner or admin role; the check happens before any merge
// computation.
func (s *Service) PushToMain(ctx context.Context, roomID, sourceBranchID, userID, userEmail string) (MergeOutcome, error) {
	role, err := s.roleFor(ctx, opPushToMain, roomID, userID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if !rooms.CanManageBranches(role) {
		s.logError(opPushToMain, "owner_or_admin_required", nil,
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.String("user_email", userEmail))
		return MergeOutcome{}, authorizationError(opPushToMain, "owner_or_admin_required", nil)
	}

	main, err := s.mainBranch(ctx, opPushToMain, roomID)
	if err != nil {
		return MergeOutcome{}, err
	}
	return s.MergeBranches(ctx, sourceBranchID, main.BranchID, userID, "Push to "+main.Name)
}

func (s *Service) mainBranch(ctx context.Context, operation, roomID string) (*Branch, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(operation, "missing_room_id", errMissingRoomID)
	}

	var main Branch
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND is_main = ?", roomID, true).
		Take(&main).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(operation, "no_main_branch", errNoMainBranch)
	}
	if err != nil {
		return nil, persistenceError(operation, "main_branch_lookup_failed", err)
	}
	return &main, nil
}
