package vcs

// ConflictType enumerates the divergence classes a three-way merge can
// surface for a single block.
type ConflictType string

const (
	// ConflictTypeModifyModify marks a block edited differently on both sides.
	ConflictTypeModifyModify ConflictType = "modify-modify"
	// ConflictTypeModifyDelete marks a block edited on one side and deleted on the other.
	ConflictTypeModifyDelete ConflictType = "modify-delete"
	// ConflictTypeAddAdd marks a block added independently with differing content.
	ConflictTypeAddAdd ConflictType = "add-add"
)

// Branch is a named, mutable pointer to a commit with a parent branch for
// lineage. Exactly one branch per room is main; only main has no parent.
type Branch struct {
	BranchID      string `gorm:"column:branch_id;primaryKey;size:190;not null"`
	RoomID        string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_branches_room_name,priority:1;index:idx_branches_room"`
	Name          string `gorm:"column:name;size:190;not null;uniqueIndex:idx_branches_room_name,priority:2"`
	CreatedBy     string `gorm:"column:created_by;size:190;not null"`
	ParentBranch  string `gorm:"column:parent_branch_id;size:190;not null;default:''"`
	IsMain        bool   `gorm:"column:is_main;not null;default:false"`
	LastCommitID  string `gorm:"column:last_commit_id;size:190;not null;default:''"`
	Description   string `gorm:"column:description;type:text;not null;default:''"`
	CreatedAtSecs int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "branches"
}

// Commit is an immutable, timestamped snapshot with authorship and a
// forward lineage pointer. Merge commits additionally record the branch
// they merged from. Hidden commits are soft-deleted.
type Commit struct {
	CommitID         string `gorm:"column:commit_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_commits_room_time,priority:1"`
	BranchID         string `gorm:"column:branch_id;size:190;not null;index:idx_commits_branch"`
	ParentCommitID   string `gorm:"column:parent_commit_id;size:190;not null;default:''"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Message          string `gorm:"column:message;type:text;not null;default:''"`
	SnapshotJSON     string `gorm:"column:snapshot_json;type:text;not null"`
	IsMergeCommit    bool   `gorm:"column:is_merge_commit;not null;default:false"`
	MergedFromBranch string `gorm:"column:merged_from_branch_id;size:190;not null;default:''"`
	Hidden           bool   `gorm:"column:hidden;not null;default:false;index:idx_commits_room_time,priority:2"`
	MirrorHash       string `gorm:"column:mirror_hash;size:64;not null;default:''"`
	CreatedAtSecs    int64  `gorm:"column:created_at_s;not null;index:idx_commits_room_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Commit) TableName() string {
	return "commits"
}

// Snapshot decodes the commit's stored snapshot payload.
func (c Commit) Snapshot() (Snapshot, error) {
	return decodeSnapshot(c.SnapshotJSON)
}

// BranchCheckout records which branch a user is currently working on in a
// room. At most one row exists per (room, user); checkout upserts it.
type BranchCheckout struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	BranchID        string `gorm:"column:branch_id;size:190;not null;index:idx_checkouts_branch"`
	CheckedOutAtSec int64  `gorm:"column:checked_out_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BranchCheckout) TableName() string {
	return "branch_checkouts"
}

// MergeConflict is one block whose divergent versions require a
// human-supplied resolution. A batch shares (room, source, target) and is
// deleted wholesale once the merge is applied.
type MergeConflict struct {
	ConflictID      string       `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	RoomID          string       `gorm:"column:room_id;size:190;not null;index:idx_conflicts_room"`
	SourceBranchID  string       `gorm:"column:source_branch_id;size:190;not null;index:idx_conflicts_pair,priority:1"`
	TargetBranchID  string       `gorm:"column:target_branch_id;size:190;not null;index:idx_conflicts_pair,priority:2"`
	BlockID         string       `gorm:"column:block_id;size:190;not null"`
	ConflictType    ConflictType `gorm:"column:conflict_type;size:32;not null"`
	SourceJSON      *string      `gorm:"column:source_json;type:text"`
	TargetJSON      *string      `gorm:"column:target_json;type:text"`
	BaseJSON        *string      `gorm:"column:base_json;type:text"`
	Resolved        bool         `gorm:"column:resolved;not null;default:false"`
	ResolutionJSON  string       `gorm:"column:resolution_json;type:text;not null;default:''"`
	ResolvedBy      string       `gorm:"column:resolved_by;size:190;not null;default:''"`
	ResolvedAtSecs  *int64       `gorm:"column:resolved_at_s"`
	CreatedAtSecs   int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MergeConflict) TableName() string {
	return "merge_conflicts"
}
