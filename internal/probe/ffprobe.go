package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// MediaInfo is what a successful probe extracts from a stream.
type MediaInfo struct {
	Resolution  string `json:"resolution"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	BitrateKbps int    `json:"bitrate_kbps"`
	VideoCodec  string `json:"video_codec"`
	AudioCodec  string `json:"audio_codec"`
}

// Prober analyzes a media URL. The production implementation exec's an
// external multimedia tool; tests substitute their own.
type Prober interface {
	Probe(ctx context.Context, url string) (*MediaInfo, error)
}

// FFProbe runs the ffprobe binary with a JSON output format.
type FFProbe struct {
	Binary         string
	Timeout        time.Duration
	SampleDuration time.Duration
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		BitRate string `json:"bit_rate"`
	} `json:"format"`
}

func (f *FFProbe) Probe(ctx context.Context, url string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	sample := f.SampleDuration
	if sample <= 0 {
		sample = 5 * time.Second
	}

	cmd := exec.CommandContext(ctx, f.Binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-read_intervals", fmt.Sprintf("%%+%d", int(sample.Seconds())),
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timed out after %s", f.Timeout)
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return nil, fmt.Errorf("no media streams found")
	}

	info := &MediaInfo{}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
				if s.Width > 0 && s.Height > 0 {
					info.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
				}
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if br, err := strconv.Atoi(parsed.Format.BitRate); err == nil && br > 0 {
		info.BitrateKbps = br / 1000
	}
	return info, nil
}
