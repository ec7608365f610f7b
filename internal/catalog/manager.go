// Package catalog keeps one external query table per logical dataset consistent with the
// data stored for it: tables are created on first sight, partition-refreshed afterwards and
// migrated when the column list drifts.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-ingest/internal/metrics"
	"vault-ingest/internal/utils"
)

// Transition is what Ensure did for a dataset.
type Transition string

const (
	TransitionCreated   Transition = "created"
	TransitionRefreshed Transition = "refreshed"
	TransitionMigrated  Transition = "migrated"
	TransitionFailed    Transition = "failed"
)

// Dataset identifies the data a table is defined over.
type Dataset struct {
	ID string
	// Location is the storage URI holding every partition of the dataset.
	Location string
}

// Entry describes a catalog table after Ensure.
type Entry struct {
	DatasetID       string      `json:"datasetId"`
	TableName       string      `json:"tableName"`
	StorageLocation string      `json:"storageLocation"`
	Schema          TableSchema `json:"schema"`
	Partitioned     bool        `json:"partitioned"`
}

// Outcome is the result of one Ensure call.
type Outcome struct {
	Entry      Entry
	Transition Transition
	// Inferred is false when the fallback schema was used.
	Inferred   bool
	Executions []*QueryExecution
}

// Options configures a Manager.
type Options struct {
	Database     string
	TablePrefix  string
	Projection   Projection
	PollInterval time.Duration
	QueryTimeout time.Duration
}

// Manager drives the per-dataset table lifecycle. Calls for the same dataset are serialized.
type Manager struct {
	tables  TableReader
	waiter  *Waiter
	opts    Options
	locks   *utils.KeyedMutex
	logger  *zap.Logger
	metrics *metrics.Metrics

	newSuffix func() string
}

func NewManager(exec Executor, tables TableReader, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		tables:    tables,
		waiter:    NewWaiter(exec, opts.PollInterval, opts.QueryTimeout, logger, m),
		opts:      opts,
		locks:     utils.NewKeyedMutex(),
		logger:    logger,
		metrics:   m,
		newSuffix: utils.ShortID,
	}
}

// TableName maps a dataset id to its table name.
func (m *Manager) TableName(datasetID string) string {
	return m.opts.TablePrefix + datasetID
}

// EnsureDatabase creates the configured database when missing.
func (m *Manager) EnsureDatabase(ctx context.Context) error {
	_, err := m.waiter.Run(ctx, createDatabaseSQL(m.opts.Database))
	return err
}

// Ensure brings the table of ds in line with sample, a recent payload of the dataset.
//
//   - absent: create it from the schema inferred from sample (or the fallback schema) and
//     repair partitions
//   - present with the same column names: repair partitions
//   - present with drifted columns: create a replacement table, copy rows, drop the old
//     table, rename the replacement into place and repair partitions
func (m *Manager) Ensure(ctx context.Context, ds Dataset, sample []byte) (*Outcome, error) {
	unlock := m.locks.Lock(ds.ID)
	defer unlock()

	table := m.TableName(ds.ID)
	logger := m.logger.With(zap.String("dataset", ds.ID), zap.String("table", table))

	desired, inferErr := InferSchema(sample)
	inferred := inferErr == nil

	current, err := m.tables.GetTable(ctx, table)
	switch {
	case errors.Is(err, ErrTableNotFound):
		if !inferred {
			logger.Warn("schema inference failed, using fallback schema", zap.Error(inferErr))
			desired = FallbackSchema()
		}
		out, err := m.create(ctx, ds, table, desired)
		out.Inferred = inferred
		return m.record(logger, out, err)

	case err != nil:
		out := m.outcome(ds, table, TableSchema{}, TransitionFailed)
		return m.record(logger, out, utils.NewCatalogError(err, "failed to read table "+table))
	}

	// Without a readable sample there is no evidence of drift.
	if !inferred || !Drifted(*current, desired) {
		if !inferred {
			logger.Warn("schema inference failed, refreshing partitions only", zap.Error(inferErr))
		}
		out := m.outcome(ds, table, *current, TransitionRefreshed)
		err := m.run(ctx, out, repairTableSQL(table))
		return m.record(logger, out, err)
	}

	logger.Info("schema drift detected",
		zap.Strings("current", current.Names()),
		zap.Strings("desired", desired.Names()))
	out, err := m.migrate(ctx, ds, table, *current, desired)
	out.Inferred = true
	return m.record(logger, out, err)
}

func (m *Manager) create(ctx context.Context, ds Dataset, table string, schema TableSchema) (*Outcome, error) {
	out := m.outcome(ds, table, schema, TransitionCreated)
	if err := m.run(ctx, out, createTableSQL(table, schema, ds.Location, m.opts.Projection)); err != nil {
		return out, err
	}
	return out, m.run(ctx, out, repairTableSQL(table))
}

func (m *Manager) migrate(ctx context.Context, ds Dataset, table string, current, desired TableSchema) (*Outcome, error) {
	out := m.outcome(ds, table, desired, TransitionMigrated)
	tmp := fmt.Sprintf("%s_migr_%s", table, m.newSuffix())

	steps := []string{
		createTableSQL(tmp, desired, ds.Location, m.opts.Projection),
		copyRowsSQL(table, current, tmp, desired),
		dropTableSQL(table),
		renameTableSQL(tmp, table),
		repairTableSQL(table),
	}
	for _, sql := range steps {
		if err := m.run(ctx, out, sql); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (m *Manager) run(ctx context.Context, out *Outcome, sql string) error {
	qe, err := m.waiter.Run(ctx, sql)
	out.Executions = append(out.Executions, qe)
	return err
}

func (m *Manager) outcome(ds Dataset, table string, schema TableSchema, t Transition) *Outcome {
	return &Outcome{
		Entry: Entry{
			DatasetID:       ds.ID,
			TableName:       table,
			StorageLocation: ds.Location,
			Schema:          schema,
			Partitioned:     true,
		},
		Transition: t,
	}
}

func (m *Manager) record(logger *zap.Logger, out *Outcome, err error) (*Outcome, error) {
	if err != nil {
		out.Transition = TransitionFailed
		m.metrics.RecordCatalogOutcome(string(TransitionFailed))
		logger.Error("catalog operation failed", zap.Error(err))
		return out, err
	}
	m.metrics.RecordCatalogOutcome(string(out.Transition))
	logger.Info("catalog table ensured",
		zap.String("transition", string(out.Transition)),
		zap.Int("statements", len(out.Executions)))
	return out, nil
}
