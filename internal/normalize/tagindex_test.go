package normalize

import (
	"context"
	"testing"
)

func TestTagIndexLazyRebuild(t *testing.T) {
	loads := 0
	tags := []IndexTag{{Value: "HD"}}
	ti := NewTagIndex(func(ctx context.Context, groupID int64) ([]IndexTag, error) {
		loads++
		return tags, nil
	})

	hit, err := ti.Match(context.Background(), 1, "ESPN HD", MatchContains)
	if err != nil || !hit {
		t.Fatalf("Match = %v, %v", hit, err)
	}
	ti.Match(context.Background(), 1, "CNN", MatchContains)
	if loads != 1 {
		t.Errorf("loads = %d, want 1 (index cached per group)", loads)
	}

	// Mutating tags invalidates; the next Match rebuilds.
	tags = []IndexTag{{Value: "4K"}}
	ti.InvalidateGroup(1)
	hit, _ = ti.Match(context.Background(), 1, "ESPN 4K", MatchContains)
	if !hit {
		t.Error("rebuilt index missed the new tag")
	}
	if loads != 2 {
		t.Errorf("loads = %d, want 2 after invalidation", loads)
	}
}

func TestTagIndexCaseSensitivity(t *testing.T) {
	ti := NewTagIndex(func(ctx context.Context, groupID int64) ([]IndexTag, error) {
		return []IndexTag{
			{Value: "hd"},                      // case-insensitive
			{Value: "UK:", CaseSensitive: true}, // exact case only
		}, nil
	})

	tests := []struct {
		s        string
		position string
		want     bool
	}{
		{"ESPN HD", MatchSuffix, true},   // "hd" matches case-insensitively
		{"uk: BBC", MatchPrefix, false},  // "UK:" is case-sensitive
		{"UK: BBC", MatchPrefix, true},
		{"BBC UK:x", MatchPrefix, false}, // prefix position respected
	}
	for _, tt := range tests {
		hit, err := ti.Match(context.Background(), 1, tt.s, tt.position)
		if err != nil {
			t.Fatal(err)
		}
		if hit != tt.want {
			t.Errorf("Match(%q, %s) = %v, want %v", tt.s, tt.position, hit, tt.want)
		}
	}
}
