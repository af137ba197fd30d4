package vcs

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMergeBranches   = "vcs.merge_branches"
	opGetConflicts    = "vcs.get_merge_conflicts"
	opResolveConflict = "vcs.resolve_conflict"
	opApplyMerge      = "vcs.apply_merge"
	opMergeDiff       = "vcs.get_merge_diff"
)

var (
	errMissingConflictID   = errors.New("conflict identifier is required")
	errSelfMerge           = errors.New("source and target branches are identical")
	errCrossRoomMerge      = errors.New("branches belong to different rooms")
	errMergePending        = errors.New("a merge with unresolved conflicts is already pending for this branch pair")
	errUnresolvedConflicts = errors.New("unresolved conflicts remain")
	errNoPendingMerge      = errors.New("no conflict batch exists for this branch pair")
	errResolutionMismatch  = errors.New("resolution block id does not match the conflict")
)

// MergeOutcome is the result of a merge request: either a merge commit, or
// the persisted conflict batch awaiting resolution.
type MergeOutcome struct {
	MergeCommit  *Commit
	Conflicts    []MergeConflict
	HasConflicts bool
}

// MergeBranches merges the source branch into the target branch. A clean
// merge creates the merge commit immediately; divergences persist as a
// conflict batch and leave both branches untouched until ApplyMerge.
func (s *Service) MergeBranches(ctx context.Context, sourceBranchID, targetBranchID, userID, message string) (MergeOutcome, error) {
	if strings.TrimSpace(sourceBranchID) == "" || strings.TrimSpace(targetBranchID) == "" {
		return MergeOutcome{}, validationError(opMergeBranches, "missing_branch_id", errMissingBranchID)
	}
	if strings.TrimSpace(userID) == "" {
		return MergeOutcome{}, validationError(opMergeBranches, "missing_user_id", errMissingUserID)
	}
	if sourceBranchID == targetBranchID {
		return MergeOutcome{}, validationError(opMergeBranches, "self_merge", errSelfMerge)
	}

	var outcome MergeOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := s.loadRoomBranch(tx, opMergeBranches, "", sourceBranchID)
		if err != nil {
			return err
		}
		target, err := s.loadRoomBranch(tx, opMergeBranches, "", targetBranchID)
		if err != nil {
			return err
		}
		if source.RoomID != target.RoomID {
			return validationError(opMergeBranches, "cross_room_merge", errCrossRoomMerge)
		}

		// A second concurrent merge attempt for the same pair must not
		// insert a duplicate conflict batch; the pending batch wins.
		var pending int64
		if err := tx.Model(&MergeConflict{}).
			Where("room_id = ? AND source_branch_id = ? AND target_branch_id = ? AND resolved = ?",
				source.RoomID, sourceBranchID, targetBranchID, false).
			Count(&pending).Error; err != nil {
			return persistenceError(opMergeBranches, "pending_lookup_failed", err)
		}
		if pending > 0 {
			return conflictError(opMergeBranches, "merge_already_pending", errMergePending)
		}

		if message == "" {
			message = "Merge branch " + source.Name + " into " + target.Name
		}

		sourceSnapshot, err := s.branchHeadSnapshot(tx, opMergeBranches, source)
		if err != nil {
			return err
		}

		// A target without commits takes the source snapshot wholesale.
		if target.LastCommitID == "" {
			commit, err := s.commitOnBranch(tx, target, userID, message, sourceSnapshot, true, source.BranchID)
			if err != nil {
				return err
			}
			outcome.MergeCommit = commit
			return nil
		}

		targetSnapshot, err := s.branchHeadSnapshot(tx, opMergeBranches, target)
		if err != nil {
			return err
		}
		baseSnapshot, err := s.mergeBaseSnapshot(tx, opMergeBranches, source, target)
		if err != nil {
			return err
		}

		result := ThreeWayMerge(baseSnapshot.Blocks, sourceSnapshot.Blocks, targetSnapshot.Blocks)
		if result.HasConflicts {
			batch, err := s.persistConflictBatch(tx, source, target, result.Conflicts)
			if err != nil {
				return err
			}
			outcome.Conflicts = batch
			outcome.HasConflicts = true
			return nil
		}

		commit, err := s.commitOnBranch(tx, target, userID, message,
			Snapshot{Blocks: result.Merged, Timestamp: s.clock().UTC()}, true, source.BranchID)
		if err != nil {
			return err
		}
		outcome.MergeCommit = commit
		return nil
	})
	if txErr != nil {
		return MergeOutcome{}, txErr
	}

	s.mirrorCommit(ctx, outcome.MergeCommit)
	return outcome, nil
}

// mergeBaseSnapshot resolves the common-ancestor snapshot for two
// branches. Without a shared ancestor, or an ancestor that never
// committed, the base is empty and every block merges as an addition.
func (s *Service) mergeBaseSnapshot(tx *gorm.DB, operation string, source, target *Branch) (Snapshot, error) {
	ancestor, err := s.findCommonAncestor(tx, operation, source, target)
	if err != nil {
		return Snapshot{}, err
	}
	if ancestor == nil || ancestor.LastCommitID == "" {
		return Snapshot{}, nil
	}

	var commit Commit
	err = tx.Where("commit_id = ?", ancestor.LastCommitID).Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, persistenceError(operation, "base_commit_lookup_failed", err)
	}

	snapshot, err := commit.Snapshot()
	if err != nil {
		return Snapshot{}, persistenceError(operation, "base_snapshot_decode_failed", err)
	}
	return snapshot, nil
}

func (s *Service) persistConflictBatch(tx *gorm.DB, source, target *Branch, conflicts []BlockConflict) ([]MergeConflict, error) {
	batch := make([]MergeConflict, 0, len(conflicts))
	now := s.clock().UTC().Unix()
	for _, conflict := range conflicts {
		conflictID, err := s.idProvider.NewID()
		if err != nil {
			return nil, persistenceError(opMergeBranches, "id_generation_failed", err)
		}
		record := MergeConflict{
			ConflictID:     conflictID,
			RoomID:         source.RoomID,
			SourceBranchID: source.BranchID,
			TargetBranchID: target.BranchID,
			BlockID:        conflict.BlockID,
			ConflictType:   conflict.Type,
			CreatedAtSecs:  now,
		}
		if record.SourceJSON, err = encodeOptionalBlock(conflict.Source); err != nil {
			return nil, persistenceError(opMergeBranches, "conflict_encode_failed", err)
		}
		if record.TargetJSON, err = encodeOptionalBlock(conflict.Target); err != nil {
			return nil, persistenceError(opMergeBranches, "conflict_encode_failed", err)
		}
		if record.BaseJSON, err = encodeOptionalBlock(conflict.Base); err != nil {
			return nil, persistenceError(opMergeBranches, "conflict_encode_failed", err)
		}
		batch = append(batch, record)
	}

	if err := tx.Create(&batch).Error; err != nil {
		return nil, persistenceError(opMergeBranches, "conflict_insert_failed", err)
	}
	return batch, nil
}

func encodeOptionalBlock(block *Block) (*string, error) {
	if block == nil {
		return nil, nil
	}
	payload, err := encodeBlock(*block)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetMergeConflicts lists unresolved conflicts for a room, optionally
// narrowed to one branch pair.
func (s *Service) GetMergeConflicts(ctx context.Context, roomID, sourceBranchID, targetBranchID string) ([]MergeConflict, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opGetConflicts, "missing_room_id", errMissingRoomID)
	}

	query := s.db.WithContext(ctx).
		Where("room_id = ? AND resolved = ?", roomID, false).
		Order("created_at_s ASC, conflict_id ASC")
	if sourceBranchID != "" {
		query = query.Where("source_branch_id = ?", sourceBranchID)
	}
	if targetBranchID != "" {
		query = query.Where("target_branch_id = ?", targetBranchID)
	}

	var conflicts []MergeConflict
	if err := query.Find(&conflicts).Error; err != nil {
		s.logError(opGetConflicts, "query_failed", err, zap.String("room_id", roomID))
		return nil, persistenceError(opGetConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// ResolveConflict records a human-supplied resolution for one conflict.
// No commit or branch is touched until the merge is applied.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, resolution Block, userID string) (*MergeConflict, error) {
	if strings.TrimSpace(conflictID) == "" {
		return nil, validationError(opResolveConflict, "missing_conflict_id", errMissingConflictID)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, validationError(opResolveConflict, "missing_user_id", errMissingUserID)
	}

	var conflict MergeConflict
	err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(opResolveConflict, "conflict_not_found", err)
	}
	if err != nil {
		return nil, persistenceError(opResolveConflict, "conflict_lookup_failed", err)
	}
	if resolution.ID != conflict.BlockID {
		return nil, validationError(opResolveConflict, "block_id_mismatch", errResolutionMismatch)
	}

	resolutionJSON, err := encodeBlock(resolution)
	if err != nil {
		return nil, persistenceError(opResolveConflict, "resolution_encode_failed", err)
	}
	resolvedAt := s.clock().UTC().Unix()
	updates := map[string]any{
		"resolved":        true,
		"resolution_json": resolutionJSON,
		"resolved_by":     userID,
		"resolved_at_s":   resolvedAt,
	}
	if err := s.db.WithContext(ctx).Model(&MergeConflict{}).
		Where("conflict_id = ?", conflictID).
		Updates(updates).Error; err != nil {
		s.logError(opResolveConflict, "conflict_update_failed", err, zap.String("conflict_id", conflictID))
		return nil, persistenceError(opResolveConflict, "conflict_update_failed", err)
	}

	conflict.Resolved = true
	conflict.ResolutionJSON = resolutionJSON
	conflict.ResolvedBy = userID
	conflict.ResolvedAtSecs = &resolvedAt
	return &conflict, nil
}

// ApplyMerge finalizes a pending merge once every conflict in the batch is
// resolved. Resolutions are applied onto the target branch's current head
// snapshot — the target may have advanced since the merge was requested —
// then the merge commit is created and the batch deleted.
func (s *Service) ApplyMerge(ctx context.Context, roomID, sourceBranchID, targetBranchID, userID, message string) (*Commit, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, validationError(opApplyMerge, "missing_room_id", errMissingRoomID)
	}
	if strings.TrimSpace(sourceBranchID) == "" || strings.TrimSpace(targetBranchID) == "" {
		return nil, validationError(opApplyMerge, "missing_branch_id", errMissingBranchID)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, validationError(opApplyMerge, "missing_user_id", errMissingUserID)
	}

	var commit *Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []MergeConflict
		if err := tx.
			Where("room_id = ? AND source_branch_id = ? AND target_branch_id = ?",
				roomID, sourceBranchID, targetBranchID).
			Order("created_at_s ASC, conflict_id ASC").
			Find(&batch).Error; err != nil {
			return persistenceError(opApplyMerge, "batch_lookup_failed", err)
		}
		if len(batch) == 0 {
			return notFoundError(opApplyMerge, "no_pending_merge", errNoPendingMerge)
		}
		for _, conflict := range batch {
			if !conflict.Resolved {
				return conflictError(opApplyMerge, "unresolved_conflicts", errUnresolvedConflicts)
			}
		}

		source, err := s.loadRoomBranch(tx, opApplyMerge, roomID, sourceBranchID)
		if err != nil {
			return err
		}
		target, err := s.loadRoomBranch(tx, opApplyMerge, roomID, targetBranchID)
		if err != nil {
			return err
		}

		snapshot, err := s.branchHeadSnapshot(tx, opApplyMerge, target)
		if err != nil {
			return err
		}
		blocks := snapshot.Blocks
		for _, conflict := range batch {
			resolution, err := decodeBlock(conflict.ResolutionJSON)
			if err != nil {
				return persistenceError(opApplyMerge, "resolution_decode_failed", err)
			}
			blocks = upsertBlock(blocks, resolution)
		}

		if message == "" {
			message = "Merge branch " + source.Name + " into " + target.Name
		}
		commit, err = s.commitOnBranch(tx, target, userID, message,
			Snapshot{Blocks: blocks, Timestamp: s.clock().UTC()}, true, source.BranchID)
		if err != nil {
			return err
		}

		if err := tx.
			Where("room_id = ? AND source_branch_id = ? AND target_branch_id = ?",
				roomID, sourceBranchID, targetBranchID).
			Delete(&MergeConflict{}).Error; err != nil {
			return persistenceError(opApplyMerge, "batch_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.mirrorCommit(ctx, commit)
	return commit, nil
}

// upsertBlock replaces the block with a matching id, or appends it when
// the id is absent from the list.
func upsertBlock(blocks []Block, block Block) []Block {
	for i := range blocks {
		if blocks[i].ID == block.ID {
			blocks[i] = block
			return blocks
		}
	}
	return append(blocks, block)
}

// GetMergeDiff previews a merge without persisting anything: no conflict
// rows are stored and no commit is created, so it is always safe to retry.
func (s *Service) GetMergeDiff(ctx context.Context, sourceBranchID, targetBranchID string) (MergeResult, error) {
	if strings.TrimSpace(sourceBranchID) == "" || strings.TrimSpace(targetBranchID) == "" {
		return MergeResult{}, validationError(opMergeDiff, "missing_branch_id", errMissingBranchID)
	}

	var result MergeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := s.loadRoomBranch(tx, opMergeDiff, "", sourceBranchID)
		if err != nil {
			return err
		}
		target, err := s.loadRoomBranch(tx, opMergeDiff, "", targetBranchID)
		if err != nil {
			return err
		}
		if source.RoomID != target.RoomID {
			return validationError(opMergeDiff, "cross_room_merge", errCrossRoomMerge)
		}

		sourceSnapshot, err := s.branchHeadSnapshot(tx, opMergeDiff, source)
		if err != nil {
			return err
		}
		targetSnapshot, err := s.branchHeadSnapshot(tx, opMergeDiff, target)
		if err != nil {
			return err
		}
		baseSnapshot, err := s.mergeBaseSnapshot(tx, opMergeDiff, source, target)
		if err != nil {
			return err
		}

		result = ThreeWayMerge(baseSnapshot.Blocks, sourceSnapshot.Blocks, targetSnapshot.Blocks)
		return nil
	})
	if txErr != nil {
		return MergeResult{}, txErr
	}
	return result, nil
}
