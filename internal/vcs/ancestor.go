package vcs

import (
	"errors"

	"gorm.io/gorm"
)

// Ancestor resolution works at branch granularity: each branch's parent
// chain is walked to the room's root and the first branch present in both
// hierarchies becomes the merge base. This is an approximation of a
// commit-graph merge base — a branch forked long after its commits
// diverged can yield a stale base — accepted as a product trade-off.

// branchHierarchy returns the chain from the branch itself up to the
// room's root, nearest first. A visited guard caps traversal should the
// lineage ever contain a cycle.
func (s *Service) branchHierarchy(tx *gorm.DB, operation string, branch *Branch) ([]Branch, error) {
	hierarchy := []Branch{*branch}
	visited := map[string]struct{}{branch.BranchID: {}}

	current := branch
	for current.ParentBranch != "" {
		var parent Branch
		err := tx.Where("branch_id = ?", current.ParentBranch).Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Dangling parent pointer; treat the chain as ending here.
			break
		}
		if err != nil {
			return nil, persistenceError(operation, "ancestor_lookup_failed", err)
		}
		if _, seen := visited[parent.BranchID]; seen {
			break
		}
		visited[parent.BranchID] = struct{}{}
		hierarchy = append(hierarchy, parent)
		current = &parent
	}
	return hierarchy, nil
}

// findCommonAncestor returns the nearest branch shared by both lineages,
// or nil when the branches share no ancestry. The ancestor's head commit
// is the three-way merge base.
func (s *Service) findCommonAncestor(tx *gorm.DB, operation string, branchA, branchB *Branch) (*Branch, error) {
	hierarchyA, err := s.branchHierarchy(tx, operation, branchA)
	if err != nil {
		return nil, err
	}
	hierarchyB, err := s.branchHierarchy(tx, operation, branchB)
	if err != nil {
		return nil, err
	}

	for _, candidate := range hierarchyA {
		for _, other := range hierarchyB {
			if candidate.BranchID == other.BranchID {
				return &candidate, nil
			}
		}
	}
	return nil, nil
}
