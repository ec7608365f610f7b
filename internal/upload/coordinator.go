// Package upload lands extracted payloads in the object store, either replacing the stored
// object or merging new rows into it.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/metrics"
	"vault-ingest/internal/storage"
	"vault-ingest/internal/utils"
)

// WriteMode records how a payload reached the store.
type WriteMode string

const (
	ModeWriteThrough WriteMode = "write_through"
	ModeMerged       WriteMode = "merged"
	ModeSkipped      WriteMode = "skipped"
)

// PartitionColumn names the date partition segment in storage keys.
const PartitionColumn = "load_date"

// Receipt acknowledges one stored payload.
type Receipt struct {
	Key      string    `json:"key"`
	Dataset  string    `json:"dataset"`
	LoadDate string    `json:"loadDate"`
	Mode     WriteMode `json:"mode"`
	Bytes    int64     `json:"bytes"`
	Rows     int       `json:"rows,omitempty"`
	// Superseded lists earlier partition copies folded into this object and removed.
	Superseded []string `json:"superseded,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	RootPrefix   string
	MergeEnabled bool
	// TempDir holds merge buffers; empty means os.TempDir.
	TempDir string
	// Now dates the partition of each upload; nil means time.Now.
	Now func() time.Time
}

// Coordinator uploads payloads. Merges into the same dataset are serialized.
type Coordinator struct {
	store   storage.ObjectStore
	opts    Options
	locks   *utils.KeyedMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCoordinator(store storage.ObjectStore, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:   store,
		opts:    opts,
		locks:   utils.NewKeyedMutex(),
		logger:  logger,
		metrics: m,
		now:     now,
	}
}

// LoadDate is the partition value uploads made now are filed under.
func (c *Coordinator) LoadDate() string {
	return c.now().UTC().Format("2006-01-02")
}

// DatasetRoot is the storage prefix holding every partition of dataset.
func (c *Coordinator) DatasetRoot(dataset string) string {
	return storage.JoinKey(c.opts.RootPrefix, dataset)
}

// DatasetPrefix is the storage prefix of one partition of dataset.
func (c *Coordinator) DatasetPrefix(dataset, loadDate string) string {
	return storage.JoinKey(c.DatasetRoot(dataset), PartitionColumn+"="+loadDate)
}

// Key is the storage key p is written to today.
func (c *Coordinator) Key(p archive.Payload, dataset string) string {
	return storage.JoinKey(c.DatasetPrefix(dataset, c.LoadDate()), p.CanonicalName)
}

// Upload stores p under dataset. Control files always replace the stored object and are
// skipped when empty. A data file is written through when no partition of the dataset holds
// a copy of it yet. Otherwise every earlier copy is merge-upserted by first column, oldest
// first, together with p into today's partition and the older copies are removed, so a row
// key appears once under the dataset root. Store failures are returned as StoreWriteFailed.
func (c *Coordinator) Upload(ctx context.Context, p archive.Payload, dataset string) (*Receipt, error) {
	loadDate := c.LoadDate()
	key := storage.JoinKey(c.DatasetPrefix(dataset, loadDate), p.CanonicalName)
	receipt := &Receipt{Key: key, Dataset: dataset, LoadDate: loadDate}

	if p.IsControlFile {
		if len(p.Bytes) == 0 {
			c.logger.Info("skipping empty control file", zap.String("file", p.CanonicalName))
			receipt.Mode = ModeSkipped
			return receipt, nil
		}
		return c.writeThrough(ctx, p, receipt)
	}

	if !c.opts.MergeEnabled {
		return c.writeThrough(ctx, p, receipt)
	}

	unlock := c.locks.Lock(dataset)
	defer unlock()

	prior, err := c.copies(ctx, dataset, p.CanonicalName)
	if err != nil {
		c.metrics.RecordUpload(string(ModeMerged), false)
		return nil, utils.NewStoreWriteError(err, key)
	}
	if len(prior) == 0 {
		return c.writeThrough(ctx, p, receipt)
	}
	return c.merge(ctx, p, receipt, prior)
}

// HasCopy reports whether any partition of dataset already holds a file named like p.
func (c *Coordinator) HasCopy(ctx context.Context, p archive.Payload, dataset string) (bool, error) {
	keys, err := c.copies(ctx, dataset, p.CanonicalName)
	return len(keys) > 0, err
}

// copies returns the keys of name in every load_date partition of dataset, oldest first.
func (c *Coordinator) copies(ctx context.Context, dataset, name string) ([]string, error) {
	root := c.DatasetRoot(dataset) + "/"
	keys, err := c.store.List(ctx, root+PartitionColumn+"=")
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", dataset, err)
	}

	var found []string
	for _, key := range keys {
		partition, file, ok := strings.Cut(strings.TrimPrefix(key, root), "/")
		if ok && file == name && strings.HasPrefix(partition, PartitionColumn+"=") {
			found = append(found, key)
		}
	}
	return found, nil
}

func (c *Coordinator) writeThrough(ctx context.Context, p archive.Payload, receipt *Receipt) (*Receipt, error) {
	if err := c.store.Put(ctx, receipt.Key, bytes.NewReader(p.Bytes), int64(len(p.Bytes))); err != nil {
		c.metrics.RecordUpload(string(ModeWriteThrough), false)
		c.logger.Error("upload failed", zap.String("key", receipt.Key), zap.Error(err))
		return nil, utils.NewStoreWriteError(err, receipt.Key)
	}

	receipt.Mode = ModeWriteThrough
	receipt.Bytes = int64(len(p.Bytes))
	c.metrics.RecordUpload(string(ModeWriteThrough), true)
	c.logger.Info("payload stored",
		zap.String("key", receipt.Key),
		zap.String("mode", string(receipt.Mode)),
		zap.Int64("bytes", receipt.Bytes))
	return receipt, nil
}

func (c *Coordinator) merge(ctx context.Context, p archive.Payload, receipt *Receipt, prior []string) (*Receipt, error) {
	fail := func(err error) (*Receipt, error) {
		c.metrics.RecordUpload(string(ModeMerged), false)
		c.logger.Error("merge upload failed", zap.String("key", receipt.Key), zap.Error(err))
		return nil, utils.NewStoreWriteError(err, receipt.Key)
	}

	incoming, cleanupIncoming, err := c.tempFile("incoming_*.csv")
	if err != nil {
		return fail(err)
	}
	defer cleanupIncoming()
	if _, err := incoming.Write(p.Bytes); err != nil {
		return fail(fmt.Errorf("buffer incoming rows: %w", err))
	}
	if _, err := incoming.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}

	sources := make([]io.Reader, 0, len(prior)+1)
	for _, key := range prior {
		existing, err := c.store.Get(ctx, key)
		if err != nil {
			return fail(fmt.Errorf("read stored object %s: %w", key, err))
		}
		defer existing.Close()
		sources = append(sources, existing)
	}
	sources = append(sources, incoming)

	merged, cleanupMerged, err := c.tempFile("merged_*.csv")
	if err != nil {
		return fail(err)
	}
	defer cleanupMerged()

	rows, err := mergeCSV(merged, sources...)
	if err != nil {
		return fail(err)
	}

	size, err := merged.Seek(0, io.SeekCurrent)
	if err != nil {
		return fail(err)
	}
	if _, err := merged.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	if err := c.store.Put(ctx, receipt.Key, merged, size); err != nil {
		return fail(err)
	}

	// The merged object is durable; a copy that fails to delete is folded in again next run.
	for _, key := range prior {
		if key == receipt.Key {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Error("failed to remove superseded copy", zap.String("key", key), zap.Error(err))
			continue
		}
		receipt.Superseded = append(receipt.Superseded, key)
	}

	receipt.Mode = ModeMerged
	receipt.Bytes = size
	receipt.Rows = rows
	c.metrics.RecordUpload(string(ModeMerged), true)
	c.logger.Info("payload merged",
		zap.String("key", receipt.Key),
		zap.Int("sources", len(prior)),
		zap.Strings("superseded", receipt.Superseded),
		zap.Int("rows", rows),
		zap.Int64("bytes", size))
	return receipt, nil
}

// tempFile creates a scratch file and returns a cleanup that closes and removes it.
func (c *Coordinator) tempFile(pattern string) (*os.File, func(), error) {
	f, err := os.CreateTemp(c.opts.TempDir, pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove temp file", zap.String("path", f.Name()), zap.Error(err))
		}
	}, nil
}
