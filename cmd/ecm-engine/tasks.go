package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/autocreate"
	"github.com/snarg/ecm-engine/internal/config"
	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/m3u"
	"github.com/snarg/ecm-engine/internal/notify"
	"github.com/snarg/ecm-engine/internal/probe"
	"github.com/snarg/ecm-engine/internal/tasks"
	"github.com/snarg/ecm-engine/internal/tlsmgr"
	"github.com/snarg/ecm-engine/internal/upstream"
)

type registerDeps struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *database.DB
	engine   *tasks.Engine
	upstream *upstream.Client
	probe    *probe.Engine
	prober   *probe.FFProbe
	detector *m3u.Detector
	digest   *m3u.Dispatcher
	pipeline *autocreate.Pipeline
	tls      *tlsmgr.Manager
	notifier *notify.Service
}

// registerTasks wires the built-in task definitions into the engine.
func registerTasks(ctx context.Context, d registerDeps) {
	must := func(err error) {
		if err != nil {
			d.log.Fatal().Err(err).Msg("task registration failed")
		}
	}

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "stream_probe",
		TaskName:    "Stream Probe",
		Description: "Health-check streams and record media properties",
		Parameters:  tasks.StreamProbeParams,
	}, d.streamProbeTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "m3u_refresh",
		TaskName:    "M3U Refresh",
		Description: "Refresh M3U accounts upstream, detect changes, and run auto-creation",
		Parameters:  tasks.M3URefreshParams,
	}, d.m3uRefreshTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "epg_refresh",
		TaskName:    "EPG Refresh",
		Description: "Refresh EPG sources upstream",
		Parameters:  tasks.EPGRefreshParams,
	}, d.epgRefreshTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "cleanup",
		TaskName:    "Cleanup",
		Description: "Prune old task runs, change logs, snapshots, and notifications",
		Parameters:  tasks.CleanupParams,
	}, d.cleanupTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "auto_creation",
		TaskName:    "Auto-Creation",
		Description: "Run the channel auto-creation pipeline",
	}, d.autoCreationTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "m3u_digest",
		TaskName:    "M3U Digest",
		Description: "Send the batched playlist change digest",
	}, d.digestTask))

	must(d.engine.Register(ctx, tasks.Definition{
		TaskID:      "tls_renewal",
		TaskName:    "Certificate Renewal",
		Description: "Renew the TLS certificate when inside the renewal window",
	}, d.tlsRenewalTask))
}

type streamProbeParams struct {
	AutoSyncGroups bool    `json:"auto_sync_groups"`
	ChannelGroups  []int64 `json:"channel_groups"`
	BatchSize      int     `json:"batch_size"`
	Timeout        int     `json:"timeout"`
	MaxConcurrent  int     `json:"max_concurrent"`
	Force          bool    `json:"force"`
}

func (d registerDeps) streamProbeTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	var params streamProbeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return tasks.Result{Status: tasks.StatusError, Message: "invalid parameters: " + err.Error()}
		}
	}

	streams, err := d.upstream.ListStreams(ctx, nil)
	if err != nil {
		return tasks.Result{Status: tasks.StatusError, Message: "list streams: " + err.Error()}
	}

	// Group filter: restrict to streams in the selected channel groups
	// unless auto-sync is on.
	var groupNames map[string]bool
	if !params.AutoSyncGroups && len(params.ChannelGroups) > 0 {
		groups, err := d.upstream.ListChannelGroups(ctx)
		if err != nil {
			return tasks.Result{Status: tasks.StatusError, Message: "list groups: " + err.Error()}
		}
		wanted := make(map[int64]bool, len(params.ChannelGroups))
		for _, id := range params.ChannelGroups {
			wanted[id] = true
		}
		groupNames = make(map[string]bool)
		for _, g := range groups {
			if wanted[g.ID] {
				groupNames[g.Name] = true
			}
		}
	}

	var targets []probe.Target
	for _, s := range streams {
		if groupNames != nil && !groupNames[s.GroupName] {
			continue
		}
		targets = append(targets, probe.Target{StreamID: s.ID, URL: s.URL, Name: s.Name})
	}

	engine := d.probe
	if params.MaxConcurrent > 0 || params.Timeout > 0 {
		prober := *d.prober
		if params.Timeout > 0 {
			prober.Timeout = time.Duration(params.Timeout) * time.Second
		}
		opts := probe.Options{
			MaxConcurrent:   d.cfg.MaxConcurrentProbes,
			RetryCount:      d.cfg.ProbeRetryCount,
			RetryDelay:      d.cfg.ProbeRetryDelay,
			SkipRecentlyFor: time.Duration(d.cfg.SkipRecentlyProbedHours) * time.Hour,
			StrikeThreshold: d.cfg.StrikeThreshold,
		}
		if params.MaxConcurrent > 0 {
			opts.MaxConcurrent = params.MaxConcurrent
		}
		engine = probe.NewEngine(d.db, &prober, opts, d.log.With().Str("component", "probe").Logger())
	}

	sum := engine.RunBulk(ctx, targets, params.Force, func(p probe.Progress) {
		progress(tasks.Progress{
			Status:       "probing",
			Total:        p.Total,
			Completed:    p.Completed,
			SuccessCount: p.SuccessCount,
			ErrorCount:   p.ErrorCount,
			CurrentItem:  p.CurrentItem,
		})
	})

	status := tasks.StatusSuccess
	if sum.Failed > 0 {
		status = tasks.StatusWarning
	}
	return tasks.Result{
		Status:       status,
		Message:      fmt.Sprintf("probed %d streams: %d ok, %d failed, %d skipped", sum.Total, sum.Success, sum.Failed, sum.Skipped),
		Details:      map[string]any{"summary": sum},
		TotalItems:   &sum.Total,
		SuccessCount: &sum.Success,
		ErrorCount:   &sum.Failed,
	}
}

type accountIDParams struct {
	AccountIDs []int64 `json:"account_ids"`
}

func (d registerDeps) m3uRefreshTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	var params accountIDParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}

	accountIDs := params.AccountIDs
	if len(accountIDs) == 0 {
		accounts, err := d.upstream.ListM3UAccounts(ctx)
		if err != nil {
			return tasks.Result{Status: tasks.StatusError, Message: "list accounts: " + err.Error()}
		}
		for _, a := range accounts {
			if a.Enabled {
				accountIDs = append(accountIDs, a.ID)
			}
		}
	}

	refreshed := 0
	changes := 0
	var errs []string
	for i, id := range accountIDs {
		if ctx.Err() != nil {
			return tasks.Result{Status: tasks.StatusCancelled, Message: "cancelled during refresh"}
		}
		progress(tasks.Progress{Status: "refreshing", Total: len(accountIDs), Completed: i,
			CurrentItem: fmt.Sprintf("account %d", id)})

		if err := d.upstream.TriggerM3URefresh(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("account %d: %v", id, err))
			continue
		}
		refreshed++

		cs, err := d.detector.Detect(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Sprintf("account %d detect: %v", id, err))
			continue
		}
		if cs.HasChanges {
			changes += len(cs.Changes)
		}
	}

	// Post-refresh trigger: run_on_refresh rules scoped to these accounts.
	if refreshed > 0 {
		exec, err := d.pipeline.RunAfterRefresh(ctx, accountIDs)
		if err != nil {
			errs = append(errs, "auto-creation: "+err.Error())
		} else if exec != nil && (exec.ChannelsCreated > 0 || exec.GroupsCreated > 0 || exec.StreamsMerged > 0) {
			ntype := notify.TypeSuccess
			if exec.Status == autocreate.StatusWarning {
				ntype = notify.TypeWarning
			}
			if _, nerr := d.notifier.Create(ctx, notify.Params{
				Type:    ntype,
				Title:   "Auto-creation after refresh",
				Message: fmt.Sprintf("%d channels, %d groups created, %d streams merged", exec.ChannelsCreated, exec.GroupsCreated, exec.StreamsMerged),
				Source:  "auto_creation",
				SourceID: fmt.Sprintf("%d", exec.ID),
			}); nerr != nil {
				d.log.Warn().Err(nerr).Msg("auto-creation notification failed")
			}
		}
	}

	// Immediate digests go out per refresh.
	if settings, err := d.db.GetDigestSettings(ctx); err == nil &&
		settings.Enabled && settings.Frequency == m3u.FreqImmediate && changes > 0 {
		if _, err := d.digest.Dispatch(ctx, false); err != nil {
			errs = append(errs, "digest: "+err.Error())
		}
	}

	status := tasks.StatusSuccess
	if len(errs) > 0 {
		status = tasks.StatusWarning
	}
	errCount := len(errs)
	return tasks.Result{
		Status:       status,
		Message:      fmt.Sprintf("refreshed %d accounts, %d changes detected", refreshed, changes),
		Details:      map[string]any{"errors": errs, "changes": changes},
		TotalItems:   &refreshed,
		ErrorCount:   &errCount,
	}
}

func (d registerDeps) epgRefreshTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	var params struct {
		SourceIDs []int64 `json:"source_ids"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}

	sourceIDs := params.SourceIDs
	if len(sourceIDs) == 0 {
		sources, err := d.upstream.ListEPGSources(ctx)
		if err != nil {
			return tasks.Result{Status: tasks.StatusError, Message: "list epg sources: " + err.Error()}
		}
		for _, s := range sources {
			if s.Enabled {
				sourceIDs = append(sourceIDs, s.ID)
			}
		}
	}

	refreshed := 0
	var errs []string
	for i, id := range sourceIDs {
		if ctx.Err() != nil {
			return tasks.Result{Status: tasks.StatusCancelled, Message: "cancelled during refresh"}
		}
		progress(tasks.Progress{Status: "refreshing", Total: len(sourceIDs), Completed: i})
		if err := d.upstream.TriggerEPGRefresh(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("source %d: %v", id, err))
			continue
		}
		refreshed++
	}

	status := tasks.StatusSuccess
	if len(errs) > 0 {
		status = tasks.StatusWarning
	}
	errCount := len(errs)
	return tasks.Result{
		Status:     status,
		Message:    fmt.Sprintf("refreshed %d epg sources", refreshed),
		Details:    map[string]any{"errors": errs},
		TotalItems: &refreshed,
		ErrorCount: &errCount,
	}
}

func (d registerDeps) cleanupTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	var params struct {
		RetentionDays int `json:"retention_days"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	if params.RetentionDays <= 0 {
		params.RetentionDays = 30
	}

	res, err := d.db.Prune(ctx, time.Duration(params.RetentionDays)*24*time.Hour)
	if err != nil {
		return tasks.Result{Status: tasks.StatusError, Message: err.Error()}
	}
	total := int(res.TaskRuns + res.ChangeLogs + res.Snapshots + res.Notifications + res.Executions)
	return tasks.Result{
		Status:     tasks.StatusSuccess,
		Message:    fmt.Sprintf("pruned %d rows older than %d days", total, params.RetentionDays),
		Details:    map[string]any{"pruned": res},
		TotalItems: &total,
	}
}

func (d registerDeps) autoCreationTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	var params struct {
		DryRun     bool    `json:"dry_run"`
		AccountIDs []int64 `json:"m3u_account_ids"`
		RuleIDs    []int64 `json:"rule_ids"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}

	exec, err := d.pipeline.Run(ctx, autocreate.Options{
		DryRun:      params.DryRun,
		TriggeredBy: "schedule",
		AccountIDs:  params.AccountIDs,
		RuleIDs:     params.RuleIDs,
	})
	if err != nil {
		return tasks.Result{Status: tasks.StatusError, Message: err.Error()}
	}

	status := tasks.StatusSuccess
	switch exec.Status {
	case autocreate.StatusWarning:
		status = tasks.StatusWarning
	case autocreate.StatusFailed:
		status = tasks.StatusError
	case autocreate.StatusCancelled:
		status = tasks.StatusCancelled
	}
	return tasks.Result{
		Status: status,
		Message: fmt.Sprintf("evaluated %d streams: %d channels, %d groups created",
			exec.StreamsEvaluated, exec.ChannelsCreated, exec.GroupsCreated),
		Details:    map[string]any{"execution_id": exec.ID},
		TotalItems: &exec.StreamsEvaluated,
	}
}

func (d registerDeps) digestTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	res, err := d.digest.Dispatch(ctx, false)
	if err != nil {
		return tasks.Result{Status: tasks.StatusError, Message: err.Error()}
	}
	status := tasks.StatusSuccess
	msg := "no digest due"
	if res.Sent {
		msg = fmt.Sprintf("digest sent: %d changes after filters", res.AfterFilters)
		if res.ChannelErrors > 0 {
			status = tasks.StatusWarning
		}
	}
	return tasks.Result{
		Status:  status,
		Message: msg,
		Details: map[string]any{"result": res},
	}
}

func (d registerDeps) tlsRenewalTask(ctx context.Context, raw json.RawMessage, progress tasks.ProgressFunc) tasks.Result {
	if err := d.tls.CheckAndRenew(ctx); err != nil {
		return tasks.Result{Status: tasks.StatusError, Message: err.Error()}
	}
	return tasks.Result{Status: tasks.StatusSuccess, Message: "certificate check complete"}
}
