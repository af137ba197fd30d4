package vcs

import "testing"

func codeBlock(id, content string) Block {
	return Block{ID: id, Type: BlockTypeCode, Content: content, Language: "python"}
}

func findConflict(conflicts []BlockConflict, blockID string) *BlockConflict {
	for i := range conflicts {
		if conflicts[i].BlockID == blockID {
			return &conflicts[i]
		}
	}
	return nil
}

func findMerged(blocks []Block, blockID string) *Block {
	for i := range blocks {
		if blocks[i].ID == blockID {
			return &blocks[i]
		}
	}
	return nil
}

func TestCalculateBlockDiffClassifiesEveryBlock(t *testing.T) {
	source := []Block{
		codeBlock("kept", "same"),
		codeBlock("edited", "old"),
		codeBlock("dropped", "gone"),
	}
	target := []Block{
		codeBlock("kept", "same"),
		codeBlock("edited", "new"),
		codeBlock("fresh", "added"),
	}

	diff := CalculateBlockDiff(source, target)

	if len(diff.Added) != 1 || diff.Added[0].ID != "fresh" {
		t.Fatalf("unexpected added set: %#v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].ID != "dropped" {
		t.Fatalf("unexpected removed set: %#v", diff.Removed)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].ID != "edited" {
		t.Fatalf("unexpected modified set: %#v", diff.Modified)
	}
	if len(diff.Unchanged) != 1 || diff.Unchanged[0].ID != "kept" {
		t.Fatalf("unexpected unchanged set: %#v", diff.Unchanged)
	}
}

func TestThreeWayMergeKeepsUnchangedBlocks(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha"), codeBlock("b2", "beta")}

	result := ThreeWayMerge(base, base, base)

	if result.HasConflicts {
		t.Fatalf("expected no conflicts, got %#v", result.Conflicts)
	}
	if len(result.Merged) != 2 {
		t.Fatalf("expected both blocks kept, got %d", len(result.Merged))
	}
	if result.Merged[0].ID != "b1" || result.Merged[1].ID != "b2" {
		t.Fatalf("expected target ordering preserved: %#v", result.Merged)
	}
}

func TestThreeWayMergeTakesSingleSideEdits(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha"), codeBlock("b2", "beta")}
	source := []Block{codeBlock("b1", "alpha-source"), codeBlock("b2", "beta")}
	target := []Block{codeBlock("b1", "alpha"), codeBlock("b2", "beta-target")}

	result := ThreeWayMerge(base, source, target)

	if result.HasConflicts {
		t.Fatalf("expected no conflicts, got %#v", result.Conflicts)
	}
	if merged := findMerged(result.Merged, "b1"); merged == nil || merged.Content != "alpha-source" {
		t.Fatalf("expected source edit taken for b1: %#v", merged)
	}
	if merged := findMerged(result.Merged, "b2"); merged == nil || merged.Content != "beta-target" {
		t.Fatalf("expected target edit taken for b2: %#v", merged)
	}
}

func TestThreeWayMergeAcceptsIdenticalEditsOnBothSides(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha")}
	edited := []Block{codeBlock("b1", "alpha-both")}

	result := ThreeWayMerge(base, edited, edited)

	if result.HasConflicts {
		t.Fatalf("identical edits must not conflict: %#v", result.Conflicts)
	}
	if result.Merged[0].Content != "alpha-both" {
		t.Fatalf("expected the shared edit, got %q", result.Merged[0].Content)
	}
}

func TestThreeWayMergeReportsModifyModifyConflict(t *testing.T) {
	base := []Block{codeBlock("b1", "a")}
	source := []Block{codeBlock("b1", "a-s")}
	target := []Block{codeBlock("b1", "a-t")}

	result := ThreeWayMerge(base, source, target)

	if !result.HasConflicts {
		t.Fatalf("expected conflict")
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d", len(result.Conflicts))
	}
	conflict := result.Conflicts[0]
	if conflict.BlockID != "b1" || conflict.Type != ConflictTypeModifyModify {
		t.Fatalf("unexpected conflict: %#v", conflict)
	}
	if conflict.Source == nil || conflict.Source.Content != "a-s" {
		t.Fatalf("conflict should carry the source version: %#v", conflict.Source)
	}
	if conflict.Base == nil || conflict.Base.Content != "a" {
		t.Fatalf("conflict should carry the base version: %#v", conflict.Base)
	}
	if merged := findMerged(result.Merged, "b1"); merged == nil || merged.Content != "a-t" {
		t.Fatalf("placeholder must be the target version: %#v", merged)
	}
}

func TestThreeWayMergeDeduplicatesIdenticalAdds(t *testing.T) {
	added := codeBlock("b9", "same everywhere")

	result := ThreeWayMerge(nil, []Block{added}, []Block{added})

	if result.HasConflicts {
		t.Fatalf("identical adds must not conflict: %#v", result.Conflicts)
	}
	if len(result.Merged) != 1 || result.Merged[0].ID != "b9" {
		t.Fatalf("expected single deduplicated block: %#v", result.Merged)
	}
}

func TestThreeWayMergeConflictsOnDivergentAdds(t *testing.T) {
	result := ThreeWayMerge(nil,
		[]Block{codeBlock("b9", "source version")},
		[]Block{codeBlock("b9", "target version")})

	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d", len(result.Conflicts))
	}
	conflict := result.Conflicts[0]
	if conflict.Type != ConflictTypeAddAdd {
		t.Fatalf("expected add-add conflict, got %s", conflict.Type)
	}
	if conflict.Base != nil {
		t.Fatalf("add-add conflicts have no base version")
	}
	if merged := findMerged(result.Merged, "b9"); merged == nil || merged.Content != "target version" {
		t.Fatalf("placeholder must be the target version: %#v", merged)
	}
}

func TestThreeWayMergeTakesPureAddsFromEitherSide(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha")}
	source := []Block{codeBlock("b1", "alpha"), codeBlock("from-source", "s")}
	target := []Block{codeBlock("b1", "alpha"), codeBlock("from-target", "t")}

	result := ThreeWayMerge(base, source, target)

	if result.HasConflicts {
		t.Fatalf("pure adds must not conflict: %#v", result.Conflicts)
	}
	if len(result.Merged) != 3 {
		t.Fatalf("expected three blocks, got %#v", result.Merged)
	}
	if result.Merged[0].ID != "b1" || result.Merged[1].ID != "from-target" || result.Merged[2].ID != "from-source" {
		t.Fatalf("expected target order then appended source adds: %#v", result.Merged)
	}
}

func TestThreeWayMergeModifyDeleteConflicts(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha")}

	sourceDeleted := ThreeWayMerge(base, nil, []Block{codeBlock("b1", "alpha-edited")})
	if len(sourceDeleted.Conflicts) != 1 || sourceDeleted.Conflicts[0].Type != ConflictTypeModifyDelete {
		t.Fatalf("expected modify-delete conflict: %#v", sourceDeleted.Conflicts)
	}
	if sourceDeleted.Conflicts[0].Source != nil {
		t.Fatalf("source side was deleted; conflict must carry no source version")
	}
	if merged := findMerged(sourceDeleted.Merged, "b1"); merged == nil || merged.Content != "alpha-edited" {
		t.Fatalf("placeholder must be the surviving target edit: %#v", merged)
	}

	targetDeleted := ThreeWayMerge(base, []Block{codeBlock("b1", "alpha-edited")}, nil)
	if len(targetDeleted.Conflicts) != 1 || targetDeleted.Conflicts[0].Type != ConflictTypeModifyDelete {
		t.Fatalf("expected modify-delete conflict: %#v", targetDeleted.Conflicts)
	}
	if targetDeleted.Conflicts[0].Target != nil {
		t.Fatalf("target side was deleted; conflict must carry no target version")
	}
	if merged := findMerged(targetDeleted.Merged, "b1"); merged == nil || merged.Content != "alpha-edited" {
		t.Fatalf("placeholder must be the surviving source edit: %#v", merged)
	}
}

func TestThreeWayMergeDeletionWins(t *testing.T) {
	base := []Block{codeBlock("b1", "alpha")}
	unchanged := []Block{codeBlock("b1", "alpha")}

	tests := []struct {
		name   string
		source []Block
		target []Block
	}{
		{name: "deleted both sides", source: nil, target: nil},
		{name: "deleted in source, target unchanged", source: nil, target: unchanged},
		{name: "deleted in target, source unchanged", source: unchanged, target: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ThreeWayMerge(base, tc.source, tc.target)
			if result.HasConflicts {
				t.Fatalf("clean deletion must not conflict: %#v", result.Conflicts)
			}
			if len(result.Merged) != 0 {
				t.Fatalf("expected block dropped, got %#v", result.Merged)
			}
		})
	}
}

func TestBlockModifiedComparesExtraFields(t *testing.T) {
	base := Block{ID: "b1", Type: BlockTypeCode, Content: "x", Extra: map[string]any{"collapsed": false}}
	tweaked := Block{ID: "b1", Type: BlockTypeCode, Content: "x", Extra: map[string]any{"collapsed": true}}

	if !blockModified(base, tweaked) {
		t.Fatalf("extra field change must count as a modification")
	}

	result := ThreeWayMerge([]Block{base}, []Block{tweaked}, []Block{base})
	if result.HasConflicts {
		t.Fatalf("single-side extra change must not conflict")
	}
	if merged := findMerged(result.Merged, "b1"); merged == nil || merged.Extra["collapsed"] != true {
		t.Fatalf("expected source extra change taken: %#v", merged)
	}
}

func TestBlockModifiedIgnoresNilVersusEmptyExtra(t *testing.T) {
	a := Block{ID: "b1", Type: BlockTypeMarkdown, Content: "x"}
	b := Block{ID: "b1", Type: BlockTypeMarkdown, Content: "x", Extra: map[string]any{}}

	if blockModified(a, b) {
		t.Fatalf("nil and empty extra maps must compare equal")
	}
}
