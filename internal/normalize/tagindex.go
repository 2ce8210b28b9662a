package normalize

import (
	"context"
	"strings"
	"sync"
)

// IndexTag is one tag value inside a tag group.
type IndexTag struct {
	Value         string
	CaseSensitive bool
}

// TagLoader fetches the enabled tags of a group from the store.
type TagLoader func(ctx context.Context, groupID int64) ([]IndexTag, error)

// Match positions for tag-group conditions.
const (
	MatchPrefix   = "prefix"
	MatchSuffix   = "suffix"
	MatchContains = "contains"
)

type tagGroupIndex struct {
	tags  []IndexTag
	lower []string // pre-lowered values for case-insensitive tags
}

// TagIndex answers substring-match queries for tag groups. It is
// invalidated whenever any tag or tag group mutates and lazily rebuilds
// per group on first use.
type TagIndex struct {
	mu     sync.Mutex
	loader TagLoader
	groups map[int64]*tagGroupIndex
}

func NewTagIndex(loader TagLoader) *TagIndex {
	return &TagIndex{loader: loader, groups: make(map[int64]*tagGroupIndex)}
}

// Invalidate drops all built indexes; the next Match rebuilds per group.
func (ti *TagIndex) Invalidate() {
	ti.mu.Lock()
	ti.groups = make(map[int64]*tagGroupIndex)
	ti.mu.Unlock()
}

// InvalidateGroup drops a single group's index.
func (ti *TagIndex) InvalidateGroup(groupID int64) {
	ti.mu.Lock()
	delete(ti.groups, groupID)
	ti.mu.Unlock()
}

func (ti *TagIndex) group(ctx context.Context, groupID int64) (*tagGroupIndex, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if g, ok := ti.groups[groupID]; ok {
		return g, nil
	}
	tags, err := ti.loader(ctx, groupID)
	if err != nil {
		return nil, err
	}
	g := &tagGroupIndex{tags: tags, lower: make([]string, len(tags))}
	for i, t := range tags {
		if !t.CaseSensitive {
			g.lower[i] = strings.ToLower(t.Value)
		}
	}
	ti.groups[groupID] = g
	return g, nil
}

// Match reports whether any tag in the group matches s at the given position.
func (ti *TagIndex) Match(ctx context.Context, groupID int64, s, position string) (bool, error) {
	g, err := ti.group(ctx, groupID)
	if err != nil {
		return false, err
	}
	sLower := strings.ToLower(s)
	for i, t := range g.tags {
		subject, tag := s, t.Value
		if !t.CaseSensitive {
			subject, tag = sLower, g.lower[i]
		}
		if tag == "" {
			continue
		}
		var hit bool
		switch position {
		case MatchPrefix:
			hit = strings.HasPrefix(subject, tag)
		case MatchSuffix:
			hit = strings.HasSuffix(subject, tag)
		default:
			hit = strings.Contains(subject, tag)
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}
