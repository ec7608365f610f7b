// Package pipeline runs one archive part through fetch, extraction, upload and catalog
// maintenance.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/catalog"
	"vault-ingest/internal/model"
	"vault-ingest/internal/storage"
	"vault-ingest/internal/upload"
	"vault-ingest/internal/utils"
	"vault-ingest/internal/vault"
)

// Fetcher downloads archive parts.
type Fetcher interface {
	Fetch(ctx context.Context, partName, sessionID string) ([]byte, error)
}

// Cataloger keeps the query table of a dataset in line with stored data.
type Cataloger interface {
	Ensure(ctx context.Context, ds catalog.Dataset, sample []byte) (*catalog.Outcome, error)
}

// DefaultCatalogTimeout bounds the catalog stage of one run when Options leaves it unset.
const DefaultCatalogTimeout = 30 * time.Minute

// Options configures a Pipeline.
type Options struct {
	// WorkDir is the parent of the per-part extraction directories.
	WorkDir string
	// CatalogTimeout bounds catalog maintenance for all datasets of one run.
	CatalogTimeout time.Duration
}

// Pipeline ingests archive parts. Runs of distinct parts may proceed concurrently; runs of
// the same part are serialized.
type Pipeline struct {
	fetcher   Fetcher
	extractor *archive.Extractor
	uploader  *upload.Coordinator
	store     storage.ObjectStore
	catalog   Cataloger
	opts      Options
	parts     *utils.KeyedMutex
	logger    *zap.Logger
}

// New wires a pipeline. A nil cataloger disables catalog maintenance.
func New(fetcher Fetcher, extractor *archive.Extractor, uploader *upload.Coordinator, store storage.ObjectStore,
	cataloger Cataloger, opts Options, logger *zap.Logger) *Pipeline {
	if opts.CatalogTimeout <= 0 {
		opts.CatalogTimeout = DefaultCatalogTimeout
	}
	return &Pipeline{
		fetcher:   fetcher,
		extractor: extractor,
		uploader:  uploader,
		store:     store,
		catalog:   cataloger,
		opts:      opts,
		parts:     utils.NewKeyedMutex(),
		logger:    logger,
	}
}

// Process fetches partName with sessionID and ingests it. Fetch and archive validity
// failures abort the run; payload and dataset failures are reported in the RunReport.
// Cancelling ctx stops the fetch; once extraction starts the run is no longer tied to ctx.
func (p *Pipeline) Process(ctx context.Context, sessionID, partName string) (*model.RunReport, error) {
	if err := vault.ValidatePartName(partName); err != nil {
		return nil, err
	}
	unlock := p.parts.Lock(partName)
	defer unlock()

	data, err := p.fetcher.Fetch(ctx, partName, sessionID)
	if err != nil {
		p.logger.Error("fetch failed", zap.String("part", partName), zap.Error(err))
		return nil, err
	}
	return p.ingest(ctx, partName, data)
}

// ProcessArchive ingests an already downloaded part.
func (p *Pipeline) ProcessArchive(ctx context.Context, partName string, data []byte) (*model.RunReport, error) {
	if err := vault.ValidatePartName(partName); err != nil {
		return nil, err
	}
	unlock := p.parts.Lock(partName)
	defer unlock()

	return p.ingest(ctx, partName, data)
}

// datasetState collects what a run learned about one dataset.
type datasetState struct {
	id     string
	sample []byte
	stored bool
	failed []archive.Payload
}

func (p *Pipeline) ingest(ctx context.Context, partName string, data []byte) (*model.RunReport, error) {
	report := &model.RunReport{
		RunID:       utils.GenerateUUID(),
		PartName:    partName,
		ExtractType: vault.ExtractTypeOf(partName),
		StartedAt:   time.Now(),
	}
	logger := p.logger.With(zap.String("run_id", report.RunID), zap.String("part", partName))

	if err := vault.ValidateArchive(data); err != nil {
		logger.Error("rejecting archive", zap.Error(err))
		return nil, err
	}

	// Extraction, upload and catalog run to completion even if the caller goes away, so a
	// run never lands half its payloads.
	ctx = context.WithoutCancel(ctx)

	dir := filepath.Join(p.opts.WorkDir, vault.WorkDirName(partName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.NewErrorBuilder(utils.ErrCodeInternalError).
			WithMessage("failed to create working directory").
			WithDetails(dir).
			WithCause(err).
			Build()
	}

	result := p.extractor.Extract(data, dir)
	report.Mode = result.Mode
	if result.Degraded() {
		logger.Warn("archive extraction degraded",
			zap.String("code", utils.ErrCodeExtractionDegraded),
			zap.Int("payloads", len(result.Payloads)))
	}

	var order []*datasetState
	datasets := make(map[string]*datasetState)
	for _, payload := range result.Payloads {
		report.Payloads = append(report.Payloads, payload.CanonicalName)
		id := payload.DatasetID()

		receipt, err := p.uploader.Upload(ctx, payload, id)
		if payload.IsControlFile {
			if err != nil {
				report.Failures = append(report.Failures, failure(payload, id, err))
			} else if receipt.Mode != upload.ModeSkipped {
				report.Stored = append(report.Stored, *receipt)
			}
			continue
		}

		ds, ok := datasets[id]
		if !ok {
			ds = &datasetState{id: id, sample: payload.Bytes}
			datasets[id] = ds
			order = append(order, ds)
		}
		if err != nil {
			logger.Warn("payload not stored", zap.String("file", payload.CanonicalName), zap.Error(err))
			report.Failures = append(report.Failures, failure(payload, id, err))
			ds.failed = append(ds.failed, payload)
			continue
		}
		ds.stored = true
		report.Stored = append(report.Stored, *receipt)
	}

	if p.catalog != nil {
		catalogCtx, cancel := context.WithTimeout(ctx, p.opts.CatalogTimeout)
		for _, ds := range order {
			if !ds.stored && !p.hasCopy(catalogCtx, ds) {
				logger.Warn("no stored data for dataset, skipping catalog", zap.String("dataset", ds.id))
				continue
			}
			report.Catalog = append(report.Catalog, p.ensure(catalogCtx, ds))
		}
		cancel()
	}

	report.FinishedAt = time.Now()
	logger.Info("ingestion run finished",
		zap.String("mode", string(report.Mode)),
		zap.Int("payloads", len(report.Payloads)),
		zap.Int("stored", len(report.Stored)),
		zap.Int("failures", len(report.Failures)),
		zap.Int("datasets", len(report.Catalog)),
		zap.Duration("duration", report.Duration()))
	return report, nil
}

func (p *Pipeline) ensure(ctx context.Context, ds *datasetState) model.DatasetOutcome {
	location := p.store.URI(p.uploader.DatasetRoot(ds.id))
	outcome := model.DatasetOutcome{Dataset: ds.id, Location: location}

	out, err := p.catalog.Ensure(ctx, catalog.Dataset{ID: ds.id, Location: location}, ds.sample)
	if out != nil {
		outcome.Table = out.Entry.TableName
		outcome.Transition = string(out.Transition)
		outcome.Inferred = out.Inferred
		outcome.Statements = len(out.Executions)
	}
	if err != nil {
		outcome.Transition = string(catalog.TransitionFailed)
		outcome.Code = errorCode(err)
		outcome.Error = err.Error()
	}
	return outcome
}

// hasCopy reports whether an earlier run already stored one of the dataset's failed files.
func (p *Pipeline) hasCopy(ctx context.Context, ds *datasetState) bool {
	for _, payload := range ds.failed {
		ok, err := p.uploader.HasCopy(ctx, payload, ds.id)
		if err != nil {
			p.logger.Warn("existence check failed",
				zap.String("dataset", ds.id),
				zap.String("file", payload.CanonicalName),
				zap.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func failure(payload archive.Payload, dataset string, err error) model.PayloadFailure {
	return model.PayloadFailure{
		File:    payload.CanonicalName,
		Dataset: dataset,
		Code:    errorCode(err),
		Error:   err.Error(),
	}
}

func errorCode(err error) string {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return utils.ErrCodeInternalError
}
