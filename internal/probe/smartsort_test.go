package probe

import (
	"reflect"
	"testing"
)

func TestOrderByResolution(t *testing.T) {
	streams := []SortStream{
		{StreamID: 1, Resolution: "1280x720"},
		{StreamID: 2, Resolution: "1920x1080"},
		{StreamID: 3, Resolution: ""}, // unknown sorts last
		{StreamID: 4, Resolution: "3840x2160"},
	}
	got := Order(streams, SortConfig{Keys: []string{KeyResolution}})
	want := []int64{4, 2, 1, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestOrderByBitrateTiebreak(t *testing.T) {
	streams := []SortStream{
		{StreamID: 1, Resolution: "1920x1080", BitrateKbps: 4000},
		{StreamID: 2, Resolution: "1920x1080", BitrateKbps: 8000},
		{StreamID: 3, Resolution: "1280x720", BitrateKbps: 9000},
	}
	got := Order(streams, SortConfig{Keys: []string{KeyResolution, KeyBitrate}})
	want := []int64{2, 1, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestOrderByAccountPriority(t *testing.T) {
	streams := []SortStream{
		{StreamID: 1, M3UAccountID: 10},
		{StreamID: 2, M3UAccountID: 20},
		{StreamID: 3, M3UAccountID: 99}, // no configured priority → last
	}
	cfg := SortConfig{
		Keys:            []string{KeyAccountPriority},
		AccountPriority: map[int64]int{10: 2, 20: 1},
	}
	got := Order(streams, cfg)
	want := []int64{2, 1, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestOrderByCodecPreference(t *testing.T) {
	streams := []SortStream{
		{StreamID: 1, VideoCodec: "mpeg2video"},
		{StreamID: 2, VideoCodec: "hevc"},
		{StreamID: 3, VideoCodec: "h264"},
	}
	cfg := SortConfig{
		Keys:            []string{KeyCodec},
		CodecPreference: []string{"hevc", "h264"},
	}
	got := Order(streams, cfg)
	want := []int64{2, 3, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestOrderFailedPartitionsLast(t *testing.T) {
	streams := []SortStream{
		{StreamID: 1, Resolution: "3840x2160", Failed: true},
		{StreamID: 2, Resolution: "1280x720"},
		{StreamID: 3, Resolution: "1920x1080"},
	}
	cfg := SortConfig{Keys: []string{KeyResolution}, DeprioritizeFailed: true}
	got := Order(streams, cfg)
	// The failed 4K stream loses to every working stream.
	want := []int64{3, 2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestOrderStableAcrossCalls(t *testing.T) {
	streams := []SortStream{
		{StreamID: 5, BitrateKbps: 1000},
		{StreamID: 6, BitrateKbps: 1000},
		{StreamID: 7, BitrateKbps: 1000},
	}
	cfg := SortConfig{Keys: []string{KeyBitrate}}
	first := Order(streams, cfg)
	for i := 0; i < 10; i++ {
		if got := Order(streams, cfg); !reflect.DeepEqual(got, first) {
			t.Fatalf("ordering not stable: %v vs %v", got, first)
		}
	}
	// Equal on every key keeps submission order.
	if !reflect.DeepEqual(first, []int64{5, 6, 7}) {
		t.Errorf("equal streams reordered: %v", first)
	}
}
