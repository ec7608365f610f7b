package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/storage"
	"vault-ingest/internal/utils"
)

func newTestCoordinator(t *testing.T, store storage.ObjectStore, merge bool) (*Coordinator, string) {
	t.Helper()
	tmp := t.TempDir()
	c := NewCoordinator(store, Options{RootPrefix: "objects", MergeEnabled: merge, TempDir: tmp}, zaptest.NewLogger(t), nil)
	c.now = func() time.Time { return time.Date(2025, 6, 17, 23, 30, 0, 0, time.UTC) }
	return c, tmp
}

func payload(name, body string) archive.Payload {
	return archive.Payload{CanonicalName: name, Bytes: []byte(body), IsControlFile: archive.IsControlFile(name)}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files left behind")
}

func TestUploadKeyLayout(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, true)

	r, err := c.Upload(context.Background(), payload("Widgets_V2.csv", "id\n1\n"), "widgetsv2")
	require.NoError(t, err)

	assert.Equal(t, "objects/widgetsv2/load_date=2025-06-17/Widgets_V2.csv", r.Key)
	assert.Equal(t, "2025-06-17", r.LoadDate)
	assert.Equal(t, ModeWriteThrough, r.Mode)
	assert.Equal(t, "objects/widgetsv2", c.DatasetRoot("widgetsv2"))
}

func TestUploadMergesIntoExistingObject(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, tmp := newTestCoordinator(t, store, true)
	ctx := context.Background()

	_, err := c.Upload(ctx, payload("widgets.csv", "id,name\n1,a\n2,b\n3,c\n"), "widgets")
	require.NoError(t, err)

	r, err := c.Upload(ctx, payload("widgets.csv", "id,name\n2,B\n4,d\n"), "widgets")
	require.NoError(t, err)
	assert.Equal(t, ModeMerged, r.Mode)
	assert.Equal(t, 4, r.Rows)

	stored, ok := store.Object(r.Key)
	require.True(t, ok)
	assert.Equal(t, "id,name\n1,a\n2,B\n3,c\n4,d\n", string(stored))
	assert.EqualValues(t, len(stored), r.Bytes)
	assertNoTempFiles(t, tmp)
}

func TestUploadMergesAcrossLoadDates(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, tmp := newTestCoordinator(t, store, true)
	ctx := context.Background()

	first, err := c.Upload(ctx, payload("widgets.csv", "id,name\n1,a\n2,b\n3,c\n"), "widgets")
	require.NoError(t, err)
	assert.Equal(t, ModeWriteThrough, first.Mode)

	c.now = func() time.Time { return time.Date(2025, 6, 18, 8, 0, 0, 0, time.UTC) }
	second, err := c.Upload(ctx, payload("widgets.csv", "id,name\n2,B\n4,d\n"), "widgets")
	require.NoError(t, err)

	assert.Equal(t, ModeMerged, second.Mode)
	assert.Equal(t, "objects/widgets/load_date=2025-06-18/widgets.csv", second.Key)
	assert.Equal(t, []string{first.Key}, second.Superseded)
	assert.Equal(t, []string{second.Key}, store.Keys("objects/widgets/"))

	stored, _ := store.Object(second.Key)
	assert.Equal(t, "id,name\n1,a\n2,B\n3,c\n4,d\n", string(stored))
	assertNoTempFiles(t, tmp)
}

func TestUploadFoldsEveryEarlierCopy(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, true)
	ctx := context.Background()

	// Copies left in two partitions, e.g. after a failed cleanup.
	require.NoError(t, store.Put(ctx, "objects/widgets/load_date=2025-06-15/widgets.csv", strings.NewReader("id,v\n1,old\n2,x\n"), -1))
	require.NoError(t, store.Put(ctx, "objects/widgets/load_date=2025-06-16/widgets.csv", strings.NewReader("id,v\n1,new\n"), -1))
	require.NoError(t, store.Put(ctx, "objects/widgets/load_date=2025-06-16/gadgets.csv", strings.NewReader("id\n9\n"), -1))

	has, err := c.HasCopy(ctx, payload("widgets.csv", ""), "widgets")
	require.NoError(t, err)
	assert.True(t, has)

	r, err := c.Upload(ctx, payload("widgets.csv", "id,v\n3,z\n"), "widgets")
	require.NoError(t, err)

	assert.Equal(t, ModeMerged, r.Mode)
	assert.Len(t, r.Superseded, 2)
	stored, _ := store.Object(r.Key)
	assert.Equal(t, "id,v\n1,new\n2,x\n3,z\n", string(stored))
	assert.Equal(t, []string{
		"objects/widgets/load_date=2025-06-16/gadgets.csv",
		"objects/widgets/load_date=2025-06-17/widgets.csv",
	}, store.Keys("objects/widgets/"))
}

func TestUploadMergeDisabledReplaces(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, false)
	ctx := context.Background()

	_, err := c.Upload(ctx, payload("widgets.csv", "id\n1\n"), "widgets")
	require.NoError(t, err)
	r, err := c.Upload(ctx, payload("widgets.csv", "id\n2\n"), "widgets")
	require.NoError(t, err)

	assert.Equal(t, ModeWriteThrough, r.Mode)
	stored, _ := store.Object(r.Key)
	assert.Equal(t, "id\n2\n", string(stored))
}

func TestUploadControlFilesAlwaysReplace(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, true)
	ctx := context.Background()

	_, err := c.Upload(ctx, payload("manifest.csv", "extract,records\nwidgets,3\n"), "manifest")
	require.NoError(t, err)
	r, err := c.Upload(ctx, payload("manifest.csv", "extract,records\ngadgets,1\n"), "manifest")
	require.NoError(t, err)

	assert.Equal(t, ModeWriteThrough, r.Mode)
	stored, _ := store.Object(r.Key)
	assert.Equal(t, "extract,records\ngadgets,1\n", string(stored))
}

func TestUploadSkipsEmptyControlFile(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, true)

	r, err := c.Upload(context.Background(), payload("metadata_full.csv", ""), "metadatafull")
	require.NoError(t, err)
	assert.Equal(t, ModeSkipped, r.Mode)
	assert.Empty(t, store.Keys(""))
}

func TestUploadStoreFailure(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	store.FailPut = func(string) error { return errors.New("access denied") }
	c, tmp := newTestCoordinator(t, store, true)

	r, err := c.Upload(context.Background(), payload("widgets.csv", "id\n1\n"), "widgets")
	require.Error(t, err)
	assert.Nil(t, r)
	assert.True(t, utils.IsErrorType(err, utils.ErrCodeStoreWriteFailed))
	assert.Contains(t, err.Error(), "objects/widgets/load_date=2025-06-17/widgets.csv")
	assertNoTempFiles(t, tmp)
}

func TestUploadMergeFailureCleansTempFiles(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, tmp := newTestCoordinator(t, store, true)
	ctx := context.Background()

	_, err := c.Upload(ctx, payload("widgets.csv", "id\n1\n"), "widgets")
	require.NoError(t, err)

	store.FailPut = func(string) error { return errors.New("throttled") }
	_, err = c.Upload(ctx, payload("widgets.csv", "id\n2\n"), "widgets")
	require.Error(t, err)
	assert.True(t, utils.IsErrorType(err, utils.ErrCodeStoreWriteFailed))
	assertNoTempFiles(t, tmp)

	stored, _ := store.Object("objects/widgets/load_date=2025-06-17/widgets.csv")
	assert.Equal(t, "id\n1\n", string(stored), "failed merge must leave the stored object untouched")
}

func TestUploadConcurrentMergesKeepEveryRow(t *testing.T) {
	store := storage.NewMemoryStore("lake")
	c, _ := newTestCoordinator(t, store, true)
	ctx := context.Background()

	const writers = 12
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Upload(ctx, payload("widgets.csv", fmt.Sprintf("id,v\n%d,x\n", i)), "widgets")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, ok := store.Object("objects/widgets/load_date=2025-06-17/widgets.csv")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSuffix(string(stored), "\n"), "\n")
	assert.Equal(t, "id,v", lines[0])
	assert.Len(t, lines, writers+1)
	assert.Zero(t, c.locks.Len())
}
