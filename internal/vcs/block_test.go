package vcs

import (
	"strings"
	"testing"
)

func TestSerializeBlocksRoundTrip(t *testing.T) {
	blocks := []Block{
		{ID: "b1", Type: BlockTypeMarkdown, Content: "# Analysis\n\nSome prose."},
		{ID: "b2", Type: BlockTypeCode, Content: "import pandas as pd\ndf = pd.read_csv('data.csv')", Language: "python"},
		{ID: "b3", Type: BlockTypeOutput, Content: ""},
	}

	blob, err := SerializeBlocks(blocks)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	parsed, err := ParseBlocks(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != len(blocks) {
		t.Fatalf("expected %d blocks back, got %d", len(blocks), len(parsed))
	}
	for i, original := range blocks {
		got := parsed[i]
		if got.ID != original.ID || got.Type != original.Type || got.Content != original.Content || got.Language != original.Language {
			t.Fatalf("block %d did not survive round trip: %#v vs %#v", i, got, original)
		}
	}
}

func TestSerializeBlocksSurvivesMarkerLookalikeContent(t *testing.T) {
	blocks := []Block{
		{ID: "b1", Type: BlockTypeCode, Content: "print('hello')\n# comment line", Language: "python"},
		{ID: "b2", Type: BlockTypeMarkdown, Content: "line one\n\nline three"},
	}

	blob, err := SerializeBlocks(blocks)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := ParseBlocks(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed[0].Content != blocks[0].Content || parsed[1].Content != blocks[1].Content {
		t.Fatalf("content mangled: %#v", parsed)
	}
}

func TestParseBlocksEmptyBlob(t *testing.T) {
	parsed, err := ParseBlocks("")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(parsed) != 0 {
		t.Fatalf("expected no blocks, got %#v", parsed)
	}
}

func TestParseBlocksRejectsMalformedBlob(t *testing.T) {
	cases := []struct {
		name string
		blob string
	}{
		{name: "no marker", blob: "just some text" + blockSentinel},
		{name: "marker without newline", blob: blockMarkerPrefix + `{"id":"b1"}` + blockSentinel},
		{name: "marker with bad json", blob: blockMarkerPrefix + "{not json}\ncontent" + blockSentinel},
		{name: "marker without id", blob: blockMarkerPrefix + `{"type":"code"}` + "\ncontent" + blockSentinel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBlocks(tc.blob); err == nil {
				t.Fatalf("expected parse failure")
			} else if !strings.Contains(err.Error(), ErrMalformedBlockBlob.Error()) {
				t.Fatalf("expected malformed blob error, got %v", err)
			}
		})
	}
}

func TestValidateSnapshot(t *testing.T) {
	valid := Snapshot{Blocks: []Block{{ID: "b1", Type: BlockTypeCode}, {ID: "b2", Type: BlockTypeMarkdown}}}
	if err := ValidateSnapshot(valid); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	empty := Snapshot{Blocks: []Block{{ID: "  ", Type: BlockTypeCode}}}
	if err := ValidateSnapshot(empty); err == nil {
		t.Fatalf("expected rejection of blank id")
	}

	dup := Snapshot{Blocks: []Block{{ID: "b1"}, {ID: "b1"}}}
	if err := ValidateSnapshot(dup); err == nil {
		t.Fatalf("expected rejection of duplicate id")
	}
}

func TestSnapshotEncodingRoundTrip(t *testing.T) {
	snapshot := Snapshot{Blocks: []Block{
		{ID: "b1", Type: BlockTypeCode, Content: "x = 1", Language: "python", Extra: map[string]any{"collapsed": true}},
	}}

	payload, err := encodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSnapshot(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Blocks) != 1 || decoded.Blocks[0].ID != "b1" {
		t.Fatalf("unexpected decoded snapshot: %#v", decoded)
	}
	if decoded.Blocks[0].Extra["collapsed"] != true {
		t.Fatalf("extra fields must survive encoding: %#v", decoded.Blocks[0].Extra)
	}
}

func TestDecodeSnapshotEmptyPayload(t *testing.T) {
	decoded, err := decodeSnapshot("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if !decoded.IsEmpty() {
		t.Fatalf("expected empty snapshot, got %#v", decoded)
	}
}
