package vcs

// The merge engine is pure: it performs no I/O and never returns errors
// for data-shape reasons. Every divergence it cannot reconcile becomes a
// BlockConflict value for the coordinator to persist.

// BlockDiff is the outcome of a two-way comparison between two block lists.
type BlockDiff struct {
	Added     []Block `json:"added"`
	Removed   []Block `json:"removed"`
	Modified  []Block `json:"modified"`
	Unchanged []Block `json:"unchanged"`
}

// BlockConflict captures one block whose versions cannot be reconciled
// automatically. Source, Target and Base are nil when the block is absent
// on that side.
type BlockConflict struct {
	BlockID string       `json:"blockId"`
	Type    ConflictType `json:"conflictType"`
	Source  *Block       `json:"source,omitempty"`
	Target  *Block       `json:"target,omitempty"`
	Base    *Block       `json:"base,omitempty"`
}

// MergeResult is the outcome of a three-way merge. Merged always holds a
// complete block list; conflicted blocks carry a placeholder version until
// resolved.
type MergeResult struct {
	Merged       []Block         `json:"merged"`
	Conflicts    []BlockConflict `json:"conflicts"`
	HasConflicts bool            `json:"hasConflicts"`
}

// CalculateBlockDiff classifies every block id present in either list as
// added (target only), removed (source only), modified or unchanged.
func CalculateBlockDiff(sourceBlocks, targetBlocks []Block) BlockDiff {
	sourceIndex := indexBlocks(sourceBlocks)
	targetIndex := indexBlocks(targetBlocks)

	diff := BlockDiff{}
	for _, target := range targetBlocks {
		source, inSource := sourceIndex[target.ID]
		switch {
		case !inSource:
			diff.Added = append(diff.Added, target)
		case blockModified(source, target):
			diff.Modified = append(diff.Modified, target)
		default:
			diff.Unchanged = append(diff.Unchanged, target)
		}
	}
	for _, source := range sourceBlocks {
		if _, inTarget := targetIndex[source.ID]; !inTarget {
			diff.Removed = append(diff.Removed, source)
		}
	}
	return diff
}

// mergeCase is the explicit classification of one block id across the
// base/source/target triple. Each id maps to exactly one case, so the
// resolution switch below is exhaustive by construction.
type mergeCase int

const (
	caseUnchanged mergeCase = iota
	caseModifiedSourceOnly
	caseModifiedTargetOnly
	caseModifiedBothSame
	caseModifiedBothDiffer
	caseAddedSourceOnly
	caseAddedTargetOnly
	caseAddedBothSame
	caseAddedBothDiffer
	caseDeletedBoth
	caseDeletedSourceClean
	caseDeletedTargetClean
	caseDeleteModifySource // source deleted, target edited
	caseDeleteModifyTarget // target deleted, source edited
)

func classifyBlock(base, source, target *Block) mergeCase {
	if base == nil {
		switch {
		case source != nil && target == nil:
			return caseAddedSourceOnly
		case source == nil && target != nil:
			return caseAddedTargetOnly
		case !blockModified(*source, *target):
			return caseAddedBothSame
		default:
			return caseAddedBothDiffer
		}
	}

	if source == nil && target == nil {
		return caseDeletedBoth
	}
	if source == nil {
		if blockModified(*base, *target) {
			return caseDeleteModifySource
		}
		return caseDeletedSourceClean
	}
	if target == nil {
		if blockModified(*base, *source) {
			return caseDeleteModifyTarget
		}
		return caseDeletedTargetClean
	}

	sourceChanged := blockModified(*base, *source)
	targetChanged := blockModified(*base, *target)
	switch {
	case !sourceChanged && !targetChanged:
		return caseUnchanged
	case sourceChanged && !targetChanged:
		return caseModifiedSourceOnly
	case !sourceChanged && targetChanged:
		return caseModifiedTargetOnly
	case !blockModified(*source, *target):
		return caseModifiedBothSame
	default:
		return caseModifiedBothDiffer
	}
}

// ThreeWayMerge reconciles two divergent block lists against their common
// ancestor. Target-side ordering wins for shared blocks; source-only
// survivors are appended in source order.
func ThreeWayMerge(baseBlocks, sourceBlocks, targetBlocks []Block) MergeResult {
	baseIndex := indexBlocks(baseBlocks)
	sourceIndex := indexBlocks(sourceBlocks)

	result := MergeResult{}
	resolved := make(map[string]struct{})

	resolve := func(id string, base, source, target *Block) {
		switch classifyBlock(base, source, target) {
		case caseUnchanged, caseModifiedTargetOnly, caseModifiedBothSame,
			caseAddedTargetOnly, caseAddedBothSame:
			result.Merged = append(result.Merged, *target)
		case caseModifiedSourceOnly, caseAddedSourceOnly:
			result.Merged = append(result.Merged, *source)
		case caseModifiedBothDiffer:
			result.Merged = append(result.Merged, *target)
			result.Conflicts = append(result.Conflicts, BlockConflict{
				BlockID: id,
				Type:    ConflictTypeModifyModify,
				Source:  source,
				Target:  target,
				Base:    base,
			})
		case caseAddedBothDiffer:
			result.Merged = append(result.Merged, *target)
			result.Conflicts = append(result.Conflicts, BlockConflict{
				BlockID: id,
				Type:    ConflictTypeAddAdd,
				Source:  source,
				Target:  target,
			})
		case caseDeleteModifySource:
			result.Merged = append(result.Merged, *target)
			result.Conflicts = append(result.Conflicts, BlockConflict{
				BlockID: id,
				Type:    ConflictTypeModifyDelete,
				Target:  target,
				Base:    base,
			})
		case caseDeleteModifyTarget:
			result.Merged = append(result.Merged, *source)
			result.Conflicts = append(result.Conflicts, BlockConflict{
				BlockID: id,
				Type:    ConflictTypeModifyDelete,
				Source:  source,
				Base:    base,
			})
		case caseDeletedBoth, caseDeletedSourceClean, caseDeletedTargetClean:
			// Deletion wins; the block is dropped without notice.
		}
		resolved[id] = struct{}{}
	}

	for _, target := range targetBlocks {
		resolve(target.ID, blockAt(baseIndex, target.ID), blockAt(sourceIndex, target.ID), &target)
	}
	for _, source := range sourceBlocks {
		if _, done := resolved[source.ID]; done {
			continue
		}
		resolve(source.ID, blockAt(baseIndex, source.ID), &source, nil)
	}
	for _, base := range baseBlocks {
		if _, done := resolved[base.ID]; done {
			continue
		}
		resolve(base.ID, &base, nil, nil)
	}

	result.HasConflicts = len(result.Conflicts) > 0
	return result
}

func indexBlocks(blocks []Block) map[string]Block {
	index := make(map[string]Block, len(blocks))
	for _, block := range blocks {
		index[block.ID] = block
	}
	return index
}

func blockAt(index map[string]Block, id string) *Block {
	if block, ok := index[id]; ok {
		return &block
	}
	return nil
}
