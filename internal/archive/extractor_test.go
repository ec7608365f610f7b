package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type entry struct {
	name string
	body string
}

func tarBytes(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func payloadNames(r Result) []string {
	names := make([]string, 0, len(r.Payloads))
	for _, p := range r.Payloads {
		names = append(names, p.CanonicalName)
	}
	return names
}

func findPayload(t *testing.T, r Result, name string) Payload {
	t.Helper()
	for _, p := range r.Payloads {
		if p.CanonicalName == name {
			return p
		}
	}
	t.Fatalf("payload %s not found in %v", name, payloadNames(r))
	return Payload{}
}

func TestExtractStructured(t *testing.T) {
	dir := t.TempDir()
	data := gzipBytes(t, tarBytes(t,
		entry{"export/manifest.csv", "extract,records\nwidgets,3\n"},
		entry{"export/Widgets.txt", "id,name\n1,a\n2,b\n3,c\n"},
	))

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(data, dir)

	assert.Equal(t, ModeStructured, res.Mode)
	assert.False(t, res.Degraded())
	assert.ElementsMatch(t, []string{"manifest.csv", "Widgets.csv"}, payloadNames(res))

	manifest := findPayload(t, res, "manifest.csv")
	assert.True(t, manifest.IsControlFile)
	assert.Equal(t, "manifest", manifest.DatasetID())

	widgets := findPayload(t, res, "Widgets.csv")
	assert.False(t, widgets.IsControlFile)
	assert.Equal(t, "id,name\n1,a\n2,b\n3,c\n", string(widgets.Bytes))

	onDisk, err := os.ReadFile(filepath.Join(dir, "Widgets.csv"))
	require.NoError(t, err)
	assert.Equal(t, widgets.Bytes, onDisk)
}

func TestExtractReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widgets.csv"), []byte("stale content that is longer\n"), 0o644))

	data := gzipBytes(t, tarBytes(t, entry{"widgets.csv", "id\n1\n"}))
	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(data, dir)

	require.Len(t, res.Payloads, 1)
	assert.Equal(t, "id\n1\n", string(res.Payloads[0].Bytes))
}

func TestExtractKeepsTraversalInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "run")
	data := gzipBytes(t, tarBytes(t, entry{"../../evil.csv", "id\n1\n"}))

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(data, dir)

	assert.Equal(t, []string{"evil.csv"}, payloadNames(res))
	_, err := os.Stat(filepath.Join(dir, "evil.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "evil.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractNestedGzipEntry(t *testing.T) {
	dir := t.TempDir()
	inner := gzipBytes(t, []byte("id,total\n1,9.5\n"))
	data := gzipBytes(t, tarBytes(t, entry{"data/orders.csv.gz", string(inner)}))

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(data, dir)

	require.Equal(t, []string{"orders.csv"}, payloadNames(res))
	assert.Equal(t, "id,total\n1,9.5\n", string(res.Payloads[0].Bytes))
}

func TestExtractTruncatedArchiveFallsBackToRecovery(t *testing.T) {
	dir := t.TempDir()
	first := "id,name\n1,a\n2,b\n"
	raw := tarBytes(t,
		entry{"widgets.csv", first},
		entry{"gadgets.csv", "id,name\n7,x\n"},
	)

	// Overwrite the second header block with legible text so the container framing is
	// broken after the first entry while its payload lines remain readable.
	secondHeader := 512 + ((len(first) + 511) / 512 * 512)
	garbage := make([]byte, 512)
	copy(garbage, "\nextra.csv\nid,name\n9,zed\n")
	copy(raw[secondHeader:], garbage)

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(gzipBytes(t, raw), dir)

	assert.Equal(t, ModeRecovered, res.Mode)
	assert.True(t, res.Degraded())

	widgets := findPayload(t, res, "widgets.csv")
	assert.Equal(t, first, string(widgets.Bytes), "structured entry must stay intact")

	extra := findPayload(t, res, "extra.csv")
	assert.Contains(t, string(extra.Bytes), "id,name\n9,zed\n")
}

func TestExtractTruncatedGzipStreamDoesNotFail(t *testing.T) {
	dir := t.TempDir()
	big := bytes.Repeat([]byte("10,some row payload that compresses\n"), 4000)
	full := gzipBytes(t, tarBytes(t,
		entry{"widgets.csv", "id,name\n1,a\n"},
		entry{"big.csv", "id,payload\n" + string(big)},
	))
	truncated := full[:len(full)/2]

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(truncated, dir)

	assert.Equal(t, ModeRecovered, res.Mode)
	widgets := findPayload(t, res, "widgets.csv")
	assert.Equal(t, "id,name\n1,a\n", string(widgets.Bytes))
	_, err := os.Stat(filepath.Join(dir, "big.csv"))
	assert.True(t, os.IsNotExist(err), "partially copied entry must be removed")
}

func TestExtractRecoveryFromPlainText(t *testing.T) {
	dir := t.TempDir()
	text := "preamble ignored\nalpha.csv\na,b\r\n1,2\r\n  data/beta.csv  \nx\n"

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(gzipBytes(t, []byte(text)), dir)

	assert.Equal(t, ModeRecovered, res.Mode)
	assert.Equal(t, []string{"alpha.csv", "beta.csv"}, payloadNames(res))
	assert.Equal(t, "a,b\n1,2\n", string(findPayload(t, res, "alpha.csv").Bytes))
	assert.Equal(t, "x\n", string(findPayload(t, res, "beta.csv").Bytes))
}

func TestExtractRecoveryAppendsRepeatedSections(t *testing.T) {
	dir := t.TempDir()
	text := "alpha.csv\nid,v\n1,a\nbeta.csv\nx\nalpha.csv\n2,b\n"

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(gzipBytes(t, []byte(text)), dir)

	assert.Equal(t, ModeRecovered, res.Mode)
	assert.Equal(t, []string{"alpha.csv", "beta.csv"}, payloadNames(res))
	assert.Equal(t, "id,v\n1,a\n2,b\n", string(findPayload(t, res, "alpha.csv").Bytes))
}

func TestExtractPropagatesLeftoverControlFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFullFile), []byte("object,field\n"), 0o644))

	data := gzipBytes(t, tarBytes(t, entry{"widgets.csv", "id\n1\n"}))
	res := NewExtractor(zaptest.NewLogger(t), nil).Extract(data, dir)

	assert.Equal(t, []string{"widgets.csv", MetadataFullFile}, payloadNames(res))
	assert.True(t, findPayload(t, res, MetadataFullFile).IsControlFile)
}

func TestExtractGarbageYieldsEmpty(t *testing.T) {
	dir := t.TempDir()

	res := NewExtractor(zaptest.NewLogger(t), nil).Extract([]byte("<html>error page</html>"), dir)

	assert.Equal(t, ModeEmpty, res.Mode)
	assert.Empty(t, res.Payloads)
}
