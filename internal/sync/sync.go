// Package sync runs the monthly reconciliation pipeline: download the
// registry files, parse them, diff against the remote table and apply the
// changes, then optionally run the classification-code enrichment pass.
package sync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/bdpm"
	"github.com/ordolab/bdpm-sync/internal/config"
	"github.com/ordolab/bdpm-sync/internal/enrich"
	"github.com/ordolab/bdpm-sync/internal/fetcher"
	"github.com/ordolab/bdpm-sync/internal/store"
	"github.com/ordolab/bdpm-sync/pkg/airtable"
)

// Companion files published alongside the main registry file.
const (
	cipFile = "CIS_CIP_bdpm.txt"
	cpdFile = "CIS_CPD_bdpm.txt"
)

// RetroLister resolves the hospital retrocession CIS set.
type RetroLister interface {
	Fetch(ctx context.Context) (map[string]bool, error)
}

// EnrichRunner runs the classification-code recovery pass.
type EnrichRunner interface {
	Run(ctx context.Context, limit int) (enrich.Stats, error)
}

// Options tunes a single pipeline run.
type Options struct {
	// Force downloads the registry even when the source ETag is unchanged.
	Force bool
	// DryRun computes and reports the plan without touching the remote table.
	DryRun bool
	// SkipEnrich suppresses the enrichment pass even when OCR is enabled.
	SkipEnrich bool
}

// Result carries the per-phase counts of a completed run.
type Result struct {
	RunID     string
	Unchanged bool
	Counts    store.Counts
}

// Engine wires the pipeline phases together.
type Engine struct {
	cfg      *config.Config
	fetcher  fetcher.Fetcher
	client   airtable.Client
	store    store.Store
	retro    RetroLister
	enricher EnrichRunner
	log      *zap.Logger
}

// NewEngine creates a pipeline engine. retro and enricher may be nil, which
// disables the corresponding phase.
func NewEngine(cfg *config.Config, f fetcher.Fetcher, client airtable.Client, st store.Store, retro RetroLister, enricher EnrichRunner) *Engine {
	return &Engine{
		cfg:      cfg,
		fetcher:  f,
		client:   client,
		store:    st,
		retro:    retro,
		enricher: enricher,
		log:      zap.L().With(zap.String("component", "sync")),
	}
}

// Run executes the pipeline to completion. The run is recorded in the store;
// a fatal phase error marks it failed and is returned.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	run, err := e.store.StartRun(ctx, "sync")
	if err != nil {
		return Result{}, eris.Wrap(err, "sync: record run start")
	}
	runID := run.ID

	res, err := e.run(ctx, runID, opts)
	res.RunID = runID
	if err != nil {
		if failErr := e.store.FailRun(ctx, runID, err); failErr != nil {
			e.log.Error("recording run failure failed", zap.Error(failErr))
		}
		return res, err
	}

	if err := e.store.CompleteRun(ctx, runID, res.Counts); err != nil {
		return res, eris.Wrap(err, "sync: record run completion")
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, runID string, opts Options) (Result, error) {
	res := Result{Counts: store.Counts{}}
	e.log.Info("pipeline run started", zap.String("run_id", runID),
		zap.Bool("force", opts.Force), zap.Bool("dry_run", opts.DryRun))

	// Phase 1: download the registry file, honoring the source ETag cache.
	raw, unchanged, err := e.downloadRegistry(ctx, opts.Force)
	if err != nil {
		return res, err
	}
	if unchanged {
		e.log.Info("registry unchanged since last run, nothing to do")
		res.Unchanged = true
		res.Counts["unchanged"] = 1
		return res, nil
	}

	// Phase 2: parse.
	records, stats, err := bdpm.ParseFile(bdpm.DecodeReader(raw))
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, eris.New("sync: registry file parsed to zero records")
	}
	res.Counts["parsed"] = stats.Parsed
	res.Counts["skipped"] = stats.Skipped

	// Companion files and the retrocession list enrich the plan but their
	// absence does not abort the run.
	pres := e.loadPresentations(ctx)
	cpd := e.loadConditions(ctx)
	retroSet := e.loadRetro(ctx)
	res.Counts["retro"] = len(retroSet)

	// Phase 3: remote inventory.
	remote, err := e.client.ListAll(ctx, airtable.ListOptions{Fields: syncedFields})
	if err != nil {
		return res, eris.Wrap(err, "sync: list remote records")
	}
	res.Counts["remote"] = len(remote)

	// Phase 4: plan.
	plan := BuildPlan(records, pres, cpd, retroSet, remote)
	res.Counts["to_create"] = plan.Creates
	res.Counts["to_update"] = plan.Updates
	res.Counts["unchanged_records"] = plan.Unchanged
	res.Counts["to_delete"] = len(plan.DeleteIDs)
	e.log.Info("plan computed",
		zap.Int("creates", plan.Creates),
		zap.Int("updates", plan.Updates),
		zap.Int("unchanged", plan.Unchanged),
		zap.Int("deletes", len(plan.DeleteIDs)))

	if opts.DryRun {
		e.log.Info("dry run, remote table left untouched")
		res.Counts["dry_run"] = 1
		return res, nil
	}

	// Phase 5: apply. Batch failures are counted, not fatal.
	upserted, err := e.client.UpsertBatch(ctx, plan.Upserts)
	if err != nil {
		e.log.Warn("some upsert batches failed", zap.Error(err),
			zap.Int("failed_batches", upserted.FailedBatches))
	}
	res.Counts["created"] = upserted.Created
	res.Counts["updated"] = upserted.Updated
	res.Counts["failed_batches"] = upserted.FailedBatches

	if len(plan.DeleteIDs) > 0 {
		if err := e.client.DeleteBatch(ctx, plan.DeleteIDs); err != nil {
			e.log.Warn("delete batch failed", zap.Error(err))
			res.Counts["failed_batches"]++
		} else {
			res.Counts["deleted"] = len(plan.DeleteIDs)
		}
	}

	// Phase 6: enrichment.
	if e.cfg.OCR.Enable && !opts.SkipEnrich && e.enricher != nil {
		enrichStats, err := e.enricher.Run(ctx, 0)
		if err != nil {
			e.log.Warn("enrichment pass failed", zap.Error(err))
		}
		res.Counts["enrich_patched"] = enrichStats.Patched
		res.Counts["enrich_failed"] = enrichStats.Failed
	}

	return res, nil
}

// downloadRegistry fetches the main registry file, using the stored ETag to
// skip the run when the source has not changed. The raw payload is also kept
// on disk under the data directory.
func (e *Engine) downloadRegistry(ctx context.Context, force bool) (raw []byte, unchanged bool, err error) {
	url := e.sourceURL(e.cfg.BDPM.InputFile)

	var etag string
	if !force {
		etag, err = e.store.GetSourceETag(ctx, url)
		if err != nil {
			e.log.Warn("reading cached source etag failed", zap.Error(err))
		}
	}

	body, newETag, changed, err := e.fetcher.DownloadIfChanged(ctx, url, etag)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sync: download %s", url)
	}
	if !changed {
		return nil, true, nil
	}
	defer body.Close() //nolint:errcheck

	raw, err = io.ReadAll(body)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sync: read %s", url)
	}
	if len(raw) == 0 {
		return nil, false, eris.Errorf("sync: %s is empty", url)
	}

	if err := e.keepCopy(e.cfg.BDPM.InputFile, raw); err != nil {
		e.log.Warn("keeping local registry copy failed", zap.Error(err))
	}
	if newETag != "" {
		if err := e.store.SetSourceETag(ctx, url, newETag); err != nil {
			e.log.Warn("storing source etag failed", zap.Error(err))
		}
	}

	return raw, false, nil
}

func (e *Engine) sourceURL(name string) string {
	return strings.TrimRight(e.cfg.BDPM.BaseURL, "/") + "/" + name
}

func (e *Engine) keepCopy(name string, raw []byte) error {
	dir := e.cfg.BDPM.DataDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return eris.Wrapf(err, "sync: create data dir %s", dir)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return eris.Wrapf(err, "sync: write %s", path)
	}
	return nil
}

func (e *Engine) loadPresentations(ctx context.Context) map[string]bdpm.Presentation {
	raw, err := e.fetcher.DownloadBytes(ctx, e.sourceURL(cipFile))
	if err != nil {
		e.log.Warn("presentations file unavailable", zap.Error(err))
		return nil
	}
	pres, err := bdpm.ParseCIP(bdpm.DecodeReader(raw))
	if err != nil {
		e.log.Warn("presentations file unreadable", zap.Error(err))
		return nil
	}
	return pres
}

func (e *Engine) loadConditions(ctx context.Context) map[string]string {
	raw, err := e.fetcher.DownloadBytes(ctx, e.sourceURL(cpdFile))
	if err != nil {
		e.log.Warn("conditions file unavailable", zap.Error(err))
		return nil
	}
	cpd, err := bdpm.ParseCPD(bdpm.DecodeReader(raw))
	if err != nil {
		e.log.Warn("conditions file unreadable", zap.Error(err))
		return nil
	}
	return cpd
}

func (e *Engine) loadRetro(ctx context.Context) map[string]bool {
	if e.retro == nil {
		return nil
	}
	set, err := e.retro.Fetch(ctx)
	if err != nil {
		e.log.Warn("retrocession list unavailable", zap.Error(err))
		return nil
	}
	return set
}
