// Package probe health-checks streams through a bounded worker pool and
// maintains per-stream state: probe status, media properties, and the
// consecutive-failure counters behind the strike-out feature.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

// Target identifies one stream to probe.
type Target struct {
	StreamID int64
	URL      string
	Name     string
}

// Progress is the bulk probe's self-reported state, published at most once
// per second.
type Progress struct {
	Total        int
	Completed    int
	SuccessCount int
	ErrorCount   int
	SkippedCount int
	CurrentItem  string
}

// ProgressFunc receives throttled progress snapshots.
type ProgressFunc func(Progress)

// Summary is the terminal result of a bulk probe.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type Options struct {
	MaxConcurrent   int
	RetryCount      int
	RetryDelay      time.Duration
	SkipRecentlyFor time.Duration
	StrikeThreshold int
}

// ChannelStreams is the slice of the upstream API the engine needs to
// detach struck-out streams.
type ChannelStreams interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error
}

// StatsStore is the slice of the local store the engine mutates. The probe
// engine exclusively owns StreamStats writes.
type StatsStore interface {
	RecordProbeSuccess(ctx context.Context, s *database.StreamStats) error
	RecordProbeFailure(ctx context.Context, streamID int64, streamName string) (int, error)
	RecentlyProbed(ctx context.Context, within time.Duration) (map[int64]bool, error)
	ListStruckOut(ctx context.Context, threshold int) ([]database.StreamStats, error)
	ResetFailures(ctx context.Context, streamIDs []int64) error
}

type Engine struct {
	db     StatsStore
	prober Prober
	opts   Options
	log    zerolog.Logger
}

func NewEngine(db StatsStore, prober Prober, opts Options, log zerolog.Logger) *Engine {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Engine{db: db, prober: prober, opts: opts, log: log}
}

// RunBulk probes the target set through a FIFO worker pool. Workers observe
// ctx at each pull; in-flight probes run to completion or their own timeout.
// Streams probed within the skip window are skipped unless force is set.
func (e *Engine) RunBulk(ctx context.Context, targets []Target, force bool, progress ProgressFunc) Summary {
	var recent map[int64]bool
	if !force && e.opts.SkipRecentlyFor > 0 {
		var err error
		recent, err = e.db.RecentlyProbed(ctx, e.opts.SkipRecentlyFor)
		if err != nil {
			e.log.Warn().Err(err).Msg("failed to load recently-probed set; probing all")
		}
	}

	jobs := make(chan Target)
	var mu sync.Mutex
	state := Progress{Total: len(targets)}
	var lastPublish time.Time

	publish := func(final bool) {
		if progress == nil {
			return
		}
		now := time.Now()
		if !final && now.Sub(lastPublish) < time.Second {
			return
		}
		lastPublish = now
		progress(state)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-jobs:
					if !ok {
						return
					}
					ok2 := e.probeOne(ctx, t)
					mu.Lock()
					state.Completed++
					if ok2 {
						state.SuccessCount++
					} else {
						state.ErrorCount++
					}
					state.CurrentItem = t.Name
					publish(false)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, t := range targets {
		if recent[t.StreamID] {
			mu.Lock()
			state.Completed++
			state.SkippedCount++
			publish(false)
			mu.Unlock()
			continue
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()

	mu.Lock()
	state.CurrentItem = ""
	publish(true)
	sum := Summary{
		Total:     state.Total,
		Completed: state.Completed,
		Success:   state.SuccessCount,
		Failed:    state.ErrorCount,
		Skipped:   state.SkippedCount,
	}
	mu.Unlock()
	return sum
}

// probeOne probes a single stream with retries, then records the outcome.
// Returns true on success.
func (e *Engine) probeOne(ctx context.Context, t Target) bool {
	var info *MediaInfo
	var err error
	for attempt := 0; attempt <= e.opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(e.opts.RetryDelay):
			}
		}
		info, err = e.prober.Probe(ctx, t.URL)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Updates use a background-derived context so a cancelled run still
	// records what it observed.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		failures, dbErr := e.db.RecordProbeFailure(writeCtx, t.StreamID, t.Name)
		if dbErr != nil {
			e.log.Error().Err(dbErr).Int64("stream_id", t.StreamID).Msg("failed to record probe failure")
		} else if e.opts.StrikeThreshold > 0 && failures >= e.opts.StrikeThreshold {
			e.log.Warn().Int64("stream_id", t.StreamID).Str("name", t.Name).
				Int("consecutive_failures", failures).Msg("stream struck out")
		}
		e.log.Debug().Err(err).Int64("stream_id", t.StreamID).Str("name", t.Name).Msg("probe failed")
		return false
	}

	stats := &database.StreamStats{
		StreamID:    t.StreamID,
		StreamName:  t.Name,
		Resolution:  info.Resolution,
		BitrateKbps: info.BitrateKbps,
		VideoCodec:  info.VideoCodec,
		AudioCodec:  info.AudioCodec,
	}
	if dbErr := e.db.RecordProbeSuccess(writeCtx, stats); dbErr != nil {
		e.log.Error().Err(dbErr).Int64("stream_id", t.StreamID).Msg("failed to record probe success")
	}
	return true
}

// StruckOut returns streams at or past the strike threshold. Threshold 0
// disables the feature.
func (e *Engine) StruckOut(ctx context.Context) ([]database.StreamStats, error) {
	return e.db.ListStruckOut(ctx, e.opts.StrikeThreshold)
}

// RemoveStruckOutResult reports what an operator-initiated removal did.
type RemoveStruckOutResult struct {
	StreamsDetached int   `json:"streams_detached"`
	ChannelsTouched int   `json:"channels_touched"`
	Errors          []string `json:"errors,omitempty"`
}

// RemoveStruckOut detaches every struck-out stream from all channels via
// the upstream API and resets their failure counters.
func (e *Engine) RemoveStruckOut(ctx context.Context, api ChannelStreams) (*RemoveStruckOutResult, error) {
	struck, err := e.db.ListStruckOut(ctx, e.opts.StrikeThreshold)
	if err != nil {
		return nil, err
	}
	res := &RemoveStruckOutResult{}
	if len(struck) == 0 {
		return res, nil
	}
	struckSet := make(map[int64]bool, len(struck))
	ids := make([]int64, 0, len(struck))
	for _, s := range struck {
		struckSet[s.StreamID] = true
		ids = append(ids, s.StreamID)
	}

	channels, err := api.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		touched := false
		for _, sid := range ch.StreamIDs {
			if !struckSet[sid] {
				continue
			}
			if err := api.RemoveStreamFromChannel(ctx, ch.ID, sid); err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.StreamsDetached++
			touched = true
		}
		if touched {
			res.ChannelsTouched++
		}
	}

	if err := e.db.ResetFailures(ctx, ids); err != nil {
		return res, err
	}
	return res, nil
}
