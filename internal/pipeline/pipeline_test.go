package pipeline_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/catalog"
	"vault-ingest/internal/catalog/catalogtest"
	"vault-ingest/internal/config"
	"vault-ingest/internal/pipeline"
	"vault-ingest/internal/storage"
	"vault-ingest/internal/upload"
	"vault-ingest/internal/utils"
	"vault-ingest/internal/vault"
)

type file struct {
	name string
	body string
}

func tarGz(t *testing.T, files ...file) []byte {
	t.Helper()
	return gz(t, tarball(t, files...))
}

func tarball(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type harness struct {
	pipeline *pipeline.Pipeline
	store    *storage.MemoryStore
	engine   *catalogtest.Engine
	uploader *upload.Coordinator
	workDir  string
	now      time.Time
}

func newHarness(t *testing.T, fetcher pipeline.Fetcher) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStore("lake")
	engine := catalogtest.NewEngine()
	workDir := t.TempDir()
	h := &harness{store: store, engine: engine, workDir: workDir, now: time.Date(2025, 6, 17, 9, 0, 0, 0, time.UTC)}

	uploader := upload.NewCoordinator(store, upload.Options{
		RootPrefix:   "vault",
		MergeEnabled: true,
		TempDir:      t.TempDir(),
		Now:          func() time.Time { return h.now },
	}, logger, nil)
	mgr := catalog.NewManager(engine, engine, catalog.Options{
		Database:     "vault_db",
		TablePrefix:  "vault_",
		PollInterval: 2 * time.Millisecond,
		QueryTimeout: time.Second,
	}, logger, nil)

	h.uploader = uploader
	h.pipeline = pipeline.New(fetcher, archive.NewExtractor(logger, nil), uploader, store, mgr,
		pipeline.Options{WorkDir: workDir}, logger)
	return h
}

func (h *harness) object(t *testing.T, dataset, name string) string {
	t.Helper()
	key := h.uploader.Key(archive.Payload{CanonicalName: name}, dataset)
	data, ok := h.store.Object(key)
	require.True(t, ok, "object %s missing", key)
	return string(data)
}

func testVaultClient(t *testing.T, baseURL string, minBody int) *vault.Client {
	t.Helper()
	return vault.NewClient(config.VaultConfig{
		BaseURL:           baseURL,
		SessionTTL:        time.Minute,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, config.FetchConfig{
		MaxAttempts:  3,
		Backoff:      10 * time.Millisecond,
		MinBodyBytes: minBody,
	}, zaptest.NewLogger(t), nil)
}

const (
	manifest = "extract,records\nwidgets,3\n"
	widgets  = "id,name\n1,alpha\n2,beta\n3,gamma\n"
)

func TestProcessValidArchive(t *testing.T) {
	archiveBytes := tarGz(t,
		file{"56006-20250617-0000-F/manifest.csv", manifest},
		file{"56006-20250617-0000-F/widgets.csv", widgets},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sess-1", r.Header.Get("Authorization"))
		w.Write(archiveBytes)
	}))
	defer srv.Close()

	h := newHarness(t, testVaultClient(t, srv.URL, 16))

	report, err := h.pipeline.Process(context.Background(), "sess-1", "56006-20250617-0000-F.001")
	require.NoError(t, err)

	assert.Equal(t, vault.ExtractFull, report.ExtractType)
	assert.Equal(t, archive.ModeStructured, report.Mode)
	assert.ElementsMatch(t, []string{"manifest.csv", "widgets.csv"}, report.Payloads)
	assert.Len(t, report.Stored, 2)
	assert.Empty(t, report.Failures)

	assert.Equal(t, manifest, h.object(t, "manifest", "manifest.csv"))
	assert.Equal(t, widgets, h.object(t, "widgets", "widgets.csv"))

	require.Len(t, report.Catalog, 1)
	assert.Equal(t, "widgets", report.Catalog[0].Dataset)
	assert.Equal(t, string(catalog.TransitionCreated), report.Catalog[0].Transition)
	assert.Equal(t, "s3://lake/vault/widgets/", report.Catalog[0].Location)
	assert.Equal(t, 1, h.engine.TableCount())

	table, ok := h.engine.Table("vault_widgets")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, table.Schema.Names())

	_, err = os.Stat(filepath.Join(h.workDir, "56006-20250617-0000-F", "widgets.csv"))
	assert.NoError(t, err)
}

func TestProcessReingestMergesRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.pipeline.ProcessArchive(ctx, "56006-20250617-0000-F.001", tarGz(t,
		file{"manifest.csv", manifest},
		file{"widgets.csv", widgets},
	))
	require.NoError(t, err)

	report, err := h.pipeline.ProcessArchive(ctx, "56006-20250618-0000-N.001", tarGz(t,
		file{"widgets.csv", "id,name\n2,beta-updated\n4,delta\n"},
	))
	require.NoError(t, err)

	require.Len(t, report.Stored, 1)
	assert.Equal(t, upload.ModeMerged, report.Stored[0].Mode)
	assert.Equal(t, vault.ExtractIncremental, report.ExtractType)

	merged := h.object(t, "widgets", "widgets.csv")
	lines := strings.Split(strings.TrimSpace(merged), "\n")
	assert.Equal(t, []string{"id,name", "1,alpha", "2,beta-updated", "3,gamma", "4,delta"}, lines)

	require.Len(t, report.Catalog, 1)
	assert.Equal(t, string(catalog.TransitionRefreshed), report.Catalog[0].Transition)
	assert.Equal(t, 1, h.engine.TableCount())
}

func TestProcessReingestOnLaterDayMergesForward(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.pipeline.ProcessArchive(ctx, "56006-20250617-0000-F.001", tarGz(t, file{"widgets.csv", widgets}))
	require.NoError(t, err)
	dayOneKey := first.Stored[0].Key

	h.now = h.now.Add(24 * time.Hour)
	report, err := h.pipeline.ProcessArchive(ctx, "56006-20250618-0000-N.001", tarGz(t,
		file{"widgets.csv", "id,name\n2,beta-updated\n4,delta\n"},
	))
	require.NoError(t, err)

	require.Len(t, report.Stored, 1)
	stored := report.Stored[0]
	assert.Equal(t, upload.ModeMerged, stored.Mode)
	assert.Equal(t, "2025-06-18", stored.LoadDate)
	assert.Equal(t, []string{dayOneKey}, stored.Superseded)

	// One copy of each row under the table location.
	assert.Equal(t, []string{stored.Key}, h.store.Keys("vault/widgets/"))
	lines := strings.Split(strings.TrimSpace(h.object(t, "widgets", "widgets.csv")), "\n")
	assert.Equal(t, []string{"id,name", "1,alpha", "2,beta-updated", "3,gamma", "4,delta"}, lines)

	require.Len(t, report.Catalog, 1)
	assert.Equal(t, string(catalog.TransitionRefreshed), report.Catalog[0].Transition)
}

func TestProcessCompletesAfterCallerCancels(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller disconnects while the first payload is being written.
	h.store.FailPut = func(string) error {
		cancel()
		return nil
	}

	report, err := h.pipeline.ProcessArchive(ctx, "56006-20250617-0000-F.001", tarGz(t,
		file{"manifest.csv", manifest},
		file{"gadgets.csv", "id,size\n1,large\n"},
		file{"widgets.csv", widgets},
	))
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.Empty(t, report.Failures)
	assert.Len(t, report.Stored, 3)
	assert.Equal(t, widgets, h.object(t, "widgets", "widgets.csv"))
	assert.Equal(t, "id,size\n1,large\n", h.object(t, "gadgets", "gadgets.csv"))

	require.Len(t, report.Catalog, 2)
	for _, outcome := range report.Catalog {
		assert.Equal(t, string(catalog.TransitionCreated), outcome.Transition, outcome.Dataset)
	}
}

func TestProcessKeepsDataFilesOutOfControlDatasets(t *testing.T) {
	h := newHarness(t, nil)

	report, err := h.pipeline.ProcessArchive(context.Background(), "56006-20250617-0000-F.001", tarGz(t,
		file{"manifest.csv", manifest},
		file{"Manifest.csv", "id,entry\n1,a\n"},
	))
	require.NoError(t, err)

	assert.Equal(t, manifest, h.object(t, "manifest", "manifest.csv"))
	assert.Equal(t, "id,entry\n1,a\n", h.object(t, "manifestdata", "Manifest.csv"))
	require.Len(t, report.Catalog, 1)
	assert.Equal(t, "manifestdata", report.Catalog[0].Dataset)
	assert.Equal(t, "s3://lake/vault/manifestdata/", report.Catalog[0].Location)
}

func TestProcessTruncatedArchiveRecovers(t *testing.T) {
	h := newHarness(t, nil)
	first := "id,name\n1,a\n2,b\n"
	raw := tarball(t,
		file{"widgets.csv", first},
		file{"gadgets.csv", "id,name\n7,x\n"},
	)
	secondHeader := 512 + ((len(first) + 511) / 512 * 512)
	garbage := make([]byte, 512)
	copy(garbage, "\nextra.csv\nid,name\n9,zed\n")
	copy(raw[secondHeader:], garbage)

	report, err := h.pipeline.ProcessArchive(context.Background(), "56006-20250617-0000-F.001", gz(t, raw))
	require.NoError(t, err)

	assert.Equal(t, archive.ModeRecovered, report.Mode)
	assert.Contains(t, report.Payloads, "widgets.csv")
	assert.Contains(t, report.Payloads, "extra.csv")
	assert.Equal(t, first, h.object(t, "widgets", "widgets.csv"))
	assert.Contains(t, h.object(t, "extra", "extra.csv"), "9,zed")
	assert.Empty(t, report.Failures)
}

func TestProcessShortBodyFailsWithoutWriting(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body := make([]byte, 500)
		body[0], body[1] = 0x1f, 0x8b
		w.Write(body)
	}))
	defer srv.Close()

	h := newHarness(t, testVaultClient(t, srv.URL, 1024))

	report, err := h.pipeline.Process(context.Background(), "sess", "56006-20250617-0000-F.001")

	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, utils.IsErrorType(err, utils.ErrCodeDownloadFailed))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Empty(t, h.store.Keys(""))
	assert.Empty(t, h.engine.Statements())

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessRejectsInvalidArchive(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.ProcessArchive(context.Background(), "part.001", []byte("<html>session expired</html>"))

	assert.True(t, utils.IsErrorType(err, utils.ErrCodeInvalidArchive))
	assert.Empty(t, h.store.Keys(""))
}

func TestProcessRejectsUnsafePartName(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.ProcessArchive(context.Background(), "../etc/passwd", tarGz(t, file{"a.csv", "id\n"}))

	assert.True(t, utils.IsErrorType(err, utils.ErrCodeInvalidParameters))
}

func TestProcessIsolatesStoreFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.store.FailPut = func(key string) error {
		if strings.Contains(key, "/gadgets/") {
			return errors.New("access denied")
		}
		return nil
	}

	report, err := h.pipeline.ProcessArchive(context.Background(), "56006-20250617-0000-F.001", tarGz(t,
		file{"gadgets.csv", "id,size\n1,large\n"},
		file{"widgets.csv", widgets},
	))
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "gadgets.csv", report.Failures[0].File)
	assert.Equal(t, utils.ErrCodeStoreWriteFailed, report.Failures[0].Code)

	require.Len(t, report.Catalog, 1)
	assert.Equal(t, "widgets", report.Catalog[0].Dataset)
	_, ok := h.engine.Table("vault_gadgets")
	assert.False(t, ok)
}

func TestProcessCatalogFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Fail = func(statement string) (catalog.State, string) {
		if strings.Contains(statement, "`vault_gadgets`") {
			return catalog.StateFailed, "FAILED: SemanticException"
		}
		return "", ""
	}

	report, err := h.pipeline.ProcessArchive(context.Background(), "56006-20250617-0000-F.001", tarGz(t,
		file{"gadgets.csv", "id,size\n1,large\n"},
		file{"widgets.csv", widgets},
	))
	require.NoError(t, err)

	require.Len(t, report.Catalog, 2)
	assert.Equal(t, string(catalog.TransitionFailed), report.Catalog[0].Transition)
	assert.Equal(t, utils.ErrCodeCatalogOperationFailed, report.Catalog[0].Code)
	assert.Equal(t, string(catalog.TransitionCreated), report.Catalog[1].Transition)
}

func TestProcessMigratesOnNewColumn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.pipeline.ProcessArchive(ctx, "56006-20250617-0000-F.001", tarGz(t, file{"widgets.csv", widgets}))
	require.NoError(t, err)

	report, err := h.pipeline.ProcessArchive(ctx, "56006-20250618-0000-N.001", tarGz(t,
		file{"widgets.csv", "id,name,color\n5,epsilon,red\n"},
	))
	require.NoError(t, err)

	require.Len(t, report.Catalog, 1)
	assert.Equal(t, string(catalog.TransitionMigrated), report.Catalog[0].Transition)
	table, ok := h.engine.Table("vault_widgets")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "color"}, table.Schema.Names())
	assert.Equal(t, 1, h.engine.TableCount())
}
