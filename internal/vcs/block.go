package vcs

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// BlockType enumerates supported block kinds.
type BlockType string

const (
	// BlockTypeCode holds executable cell content.
	BlockTypeCode BlockType = "code"
	// BlockTypeMarkdown holds prose content.
	BlockTypeMarkdown BlockType = "markdown"
	// BlockTypeOutput holds rendered execution output.
	BlockTypeOutput BlockType = "output"
)

var (
	// ErrInvalidBlockID indicates a block without a usable identifier.
	ErrInvalidBlockID = errors.New("vcs: invalid block id")
	// ErrDuplicateBlockID indicates two blocks in one snapshot sharing an id.
	ErrDuplicateBlockID = errors.New("vcs: duplicate block id in snapshot")
	// ErrMalformedBlockBlob indicates a serialized blob that cannot be parsed back.
	ErrMalformedBlockBlob = errors.New("vcs: malformed block blob")
)

// Block is the atomic versioned unit of a notebook. Identity is ID; all
// other fields participate in modification comparison.
type Block struct {
	ID       string         `json:"id"`
	Type     BlockType      `json:"type"`
	Content  string         `json:"content"`
	Language string         `json:"language,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Snapshot is an ordered collection of blocks representing one notebook
// state. No two blocks share an id.
type Snapshot struct {
	Blocks    []Block   `json:"blocks"`
	Timestamp time.Time `json:"timestamp"`
}

// IsEmpty reports whether the snapshot carries no blocks.
func (s Snapshot) IsEmpty() bool {
	return len(s.Blocks) == 0
}

// ValidateSnapshot checks block identifiers for presence and uniqueness.
func ValidateSnapshot(snapshot Snapshot) error {
	seen := make(map[string]struct{}, len(snapshot.Blocks))
	for _, block := range snapshot.Blocks {
		if strings.TrimSpace(block.ID) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidBlockID)
		}
		if _, dup := seen[block.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBlockID, block.ID)
		}
		seen[block.ID] = struct{}{}
	}
	return nil
}

// blockModified reports whether two revisions of the same block diverge.
// It compares type, content and language, then every remaining field by
// deep value equality. The id never participates.
func blockModified(a, b Block) bool {
	if a.Type != b.Type {
		return true
	}
	if a.Content != b.Content {
		return true
	}
	if a.Language != b.Language {
		return true
	}
	return !extraEqual(a.Extra, b.Extra)
}

func extraEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

const (
	blockMarkerPrefix = "#%% quill-block "
	blockSentinel     = "\n#%% quill-block-end\n"
)

// blockMarker is the embedded metadata line carried ahead of each block's
// content inside the serialized blob.
type blockMarker struct {
	ID       string    `json:"id"`
	Type     BlockType `json:"type"`
	Language string    `json:"language,omitempty"`
	Position int       `json:"position"`
}

// SerializeBlocks renders an ordered block list into one text blob. Each
// block is prefixed with a metadata marker and terminated by a sentinel
// delimiter so the mirror file stays both human-readable and parseable.
func SerializeBlocks(blocks []Block) (string, error) {
	var builder strings.Builder
	for position, block := range blocks {
		marker := blockMarker{
			ID:       block.ID,
			Type:     block.Type,
			Language: block.Language,
			Position: position,
		}
		encoded, err := json.Marshal(marker)
		if err != nil {
			return "", fmt.Errorf("serialize block %s: %w", block.ID, err)
		}
		builder.WriteString(blockMarkerPrefix)
		builder.Write(encoded)
		builder.WriteString("\n")
		builder.WriteString(block.Content)
		builder.WriteString(blockSentinel)
	}
	return builder.String(), nil
}

// ParseBlocks reverses SerializeBlocks. Ids, types, languages, content and
// ordering survive the round trip exactly.
func ParseBlocks(blob string) ([]Block, error) {
	if blob == "" {
		return nil, nil
	}
	segments := strings.Split(blob, blockSentinel)
	blocks := make([]Block, 0, len(segments))
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if !strings.HasPrefix(segment, blockMarkerPrefix) {
			return nil, fmt.Errorf("%w: missing metadata marker", ErrMalformedBlockBlob)
		}
		rest := strings.TrimPrefix(segment, blockMarkerPrefix)
		markerLine, content, found := strings.Cut(rest, "\n")
		if !found {
			return nil, fmt.Errorf("%w: truncated block segment", ErrMalformedBlockBlob)
		}
		var marker blockMarker
		if err := json.Unmarshal([]byte(markerLine), &marker); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBlockBlob, err)
		}
		if strings.TrimSpace(marker.ID) == "" {
			return nil, fmt.Errorf("%w: marker without id", ErrMalformedBlockBlob)
		}
		blocks = append(blocks, Block{
			ID:       marker.ID,
			Type:     marker.Type,
			Content:  content,
			Language: marker.Language,
		})
	}
	return blocks, nil
}

func encodeSnapshot(snapshot Snapshot) (string, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(payload), nil
}

func decodeSnapshot(payload string) (Snapshot, error) {
	if strings.TrimSpace(payload) == "" {
		return Snapshot{}, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func encodeBlock(block Block) (string, error) {
	payload, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("encode block %s: %w", block.ID, err)
	}
	return string(payload), nil
}

func decodeBlock(payload string) (Block, error) {
	var block Block
	if err := json.Unmarshal([]byte(payload), &block); err != nil {
		return Block{}, fmt.Errorf("decode block: %w", err)
	}
	return block, nil
}
