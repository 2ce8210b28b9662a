package probe

import (
	"sort"
	"strconv"
	"strings"
)

// Smart-sort keys, evaluated in configured priority order.
const (
	KeyResolution      = "resolution"
	KeyBitrate         = "bitrate"
	KeyAccountPriority = "m3u_account_priority"
	KeyCodec           = "codec"
)

// SortStream is one candidate stream with the stats the comparator reads.
type SortStream struct {
	StreamID     int64
	Resolution   string // "1920x1080"; empty = unknown
	BitrateKbps  int    // 0 = unknown
	M3UAccountID int64
	VideoCodec   string
	Failed       bool
}

// SortConfig controls the composable multi-key comparator.
type SortConfig struct {
	Keys               []string // evaluated in order; unknown keys ignored
	CodecPreference    []string // earlier is better
	AccountPriority    map[int64]int
	DeprioritizeFailed bool
}

// Order returns the stream ids in smart-sort order. The sort is stable:
// identical inputs produce identical orderings, and streams equal on every
// key keep their submission order. Unknown values sort after known ones
// within each key; failed streams partition last when configured.
func Order(streams []SortStream, cfg SortConfig) []int64 {
	idx := make([]int, len(streams))
	for i := range idx {
		idx[i] = i
	}

	codecRank := make(map[string]int, len(cfg.CodecPreference))
	for i, c := range cfg.CodecPreference {
		codecRank[strings.ToLower(c)] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := streams[idx[a]], streams[idx[b]]

		if cfg.DeprioritizeFailed && sa.Failed != sb.Failed {
			return !sa.Failed
		}

		for _, key := range cfg.Keys {
			if c := compareKey(key, sa, sb, cfg, codecRank); c != 0 {
				return c < 0
			}
		}
		return false
	})

	out := make([]int64, len(idx))
	for i, j := range idx {
		out[i] = streams[j].StreamID
	}
	return out
}

// compareKey returns <0 when a sorts before b on the given key.
func compareKey(key string, a, b SortStream, cfg SortConfig, codecRank map[string]int) int {
	switch key {
	case KeyResolution:
		return compareDesc(resolutionHeight(a.Resolution), resolutionHeight(b.Resolution))
	case KeyBitrate:
		return compareDesc(a.BitrateKbps, b.BitrateKbps)
	case KeyAccountPriority:
		pa, okA := cfg.AccountPriority[a.M3UAccountID]
		pb, okB := cfg.AccountPriority[b.M3UAccountID]
		if okA != okB {
			if okA {
				return -1 // known priority before missing
			}
			return 1
		}
		if !okA {
			return 0
		}
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	case KeyCodec:
		ra, okA := codecRank[strings.ToLower(a.VideoCodec)]
		rb, okB := codecRank[strings.ToLower(b.VideoCodec)]
		if okA != okB {
			if okA {
				return -1
			}
			return 1
		}
		if !okA {
			return 0
		}
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		}
		return 0
	}
	return 0
}

// compareDesc orders higher values first, zero (unknown) last.
func compareDesc(a, b int) int {
	if a == b {
		return 0
	}
	if a == 0 {
		return 1
	}
	if b == 0 {
		return -1
	}
	if a > b {
		return -1
	}
	return 1
}

func resolutionHeight(res string) int {
	_, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}
