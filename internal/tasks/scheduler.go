package tasks

import (
	"context"
	"sort"
	"time"

	"github.com/snarg/ecm-engine/internal/database"
)

type pendingFire struct {
	schedule database.TaskSchedule
	at       time.Time
}

// upcomingFires loads enabled schedules of enabled tasks and computes each
// next fire time. Schedules that fail to compute are skipped (they were
// validated at store time; a failure here means clock or zone trouble).
func (e *Engine) upcomingFires(ctx context.Context, now time.Time) ([]pendingFire, error) {
	schedules, err := e.db.ListSchedules(ctx, "", true)
	if err != nil {
		return nil, err
	}

	taskEnabled := make(map[string]bool)
	var fires []pendingFire
	for _, s := range schedules {
		enabled, seen := taskEnabled[s.TaskID]
		if !seen {
			cfg, err := e.db.GetScheduledTask(ctx, s.TaskID)
			enabled = err == nil && cfg != nil && cfg.Enabled
			taskEnabled[s.TaskID] = enabled
		}
		if !enabled {
			continue
		}
		e.mu.Lock()
		_, registered := e.defs[s.TaskID]
		e.mu.Unlock()
		if !registered {
			continue
		}

		at, err := NextFire(&s, now)
		if err != nil {
			e.log.Warn().Err(err).Int64("schedule_id", s.ID).Msg("schedule next-fire computation failed")
			continue
		}
		fires = append(fires, pendingFire{schedule: s, at: at})
	}
	return fires, nil
}

// RunScheduler is the single process-wide scheduler loop. It sleeps until
// the minimum next-fire time across all schedules, wakes early on
// configuration changes, and fires due schedules in ascending schedule id
// order within a cycle.
func (e *Engine) RunScheduler(ctx context.Context) {
	e.log.Info().Msg("task scheduler started")
	const idleSleep = time.Hour

	for {
		now := time.Now().UTC()
		fires, err := e.upcomingFires(ctx, now)
		if err != nil {
			e.log.Error().Err(err).Msg("failed to load schedules")
		}

		sleep := idleSleep
		if len(fires) > 0 {
			min := fires[0].at
			for _, f := range fires[1:] {
				if f.at.Before(min) {
					min = f.at
				}
			}
			sleep = time.Until(min)
			if sleep < 0 {
				sleep = 0
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.log.Info().Msg("task scheduler stopped")
			return
		case <-e.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		now = time.Now().UTC()
		var due []pendingFire
		for _, f := range fires {
			if !f.at.After(now) {
				due = append(due, f)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].schedule.ID < due[j].schedule.ID })

		for _, f := range due {
			s := f.schedule
			if _, err := e.Run(ctx, s.TaskID, &s.ID, s.Parameters); err != nil {
				e.log.Error().Err(err).Str("task_id", s.TaskID).
					Int64("schedule_id", s.ID).Msg("scheduled run failed to start")
			} else {
				e.log.Debug().Str("task_id", s.TaskID).Int64("schedule_id", s.ID).
					Msg("schedule fired")
			}
		}
	}
}
