// Package archive turns downloaded extract archives into named tabular payloads.
//
// Extraction has two tiers. The structured pass walks the gzip-wrapped tar stream entry by
// entry. When the container framing breaks part way through, a recovery pass re-reads the
// gzip stream as plain text and salvages every embedded file whose name line and content are
// still legible. Callers get a tagged Result and never an error.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"vault-ingest/internal/metrics"
	"vault-ingest/internal/utils"
)

// Mode tags how a Result was produced.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeRecovered  Mode = "recovered"
	ModeEmpty      Mode = "empty"
)

// maxRecoveryLine bounds a single line in recovery mode.
const maxRecoveryLine = 16 << 20

// Payload is one extracted tabular file.
type Payload struct {
	CanonicalName string
	Bytes         []byte
	IsControlFile bool
}

// DatasetID returns the logical dataset this payload belongs to.
func (p Payload) DatasetID() string {
	return DatasetID(p.CanonicalName)
}

// Result is the outcome of an extraction.
type Result struct {
	Mode     Mode
	Payloads []Payload
}

// Degraded reports whether the structured pass failed and recovery was needed.
func (r Result) Degraded() bool {
	return r.Mode == ModeRecovered
}

// Extractor unpacks archives into a working directory.
type Extractor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewExtractor(logger *zap.Logger, m *metrics.Metrics) *Extractor {
	return &Extractor{logger: logger, metrics: m}
}

// Extract unpacks data into dir and returns the payloads it could assemble. Per-entry
// problems never surface as errors: a broken container degrades to the recovery pass, and
// an unusable archive yields ModeEmpty.
func (e *Extractor) Extract(data []byte, dir string) Result {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Error("cannot create extract dir", zap.String("dir", dir), zap.Error(err))
		e.metrics.RecordExtraction(string(ModeEmpty), 0)
		return Result{Mode: ModeEmpty}
	}

	structured, failed := e.extractStructured(data, dir)
	for _, name := range structured {
		add(name)
	}

	mode := ModeStructured
	if failed != nil {
		mode = ModeRecovered
		degraded := utils.NewErrorBuilder(utils.ErrCodeExtractionDegraded).WithCause(failed).Build()
		e.logger.Warn("structured extraction failed, falling back to line recovery",
			zap.String("dir", dir),
			zap.Int("entries_extracted", len(structured)),
			zap.Error(degraded))

		recovered, err := e.recoverLines(data, dir, seen)
		if err != nil {
			e.logger.Warn("line recovery stopped early", zap.String("dir", dir), zap.Error(err))
		}
		for _, name := range recovered {
			add(name)
		}
	}

	for _, cf := range controlFiles {
		if seen[cf] {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, cf)); err == nil {
			e.logger.Info("propagating control file found in working directory", zap.String("file", cf))
			add(cf)
		}
	}

	payloads := make([]Payload, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			e.logger.Warn("extracted file unreadable, skipping", zap.String("file", name), zap.Error(err))
			continue
		}
		payloads = append(payloads, Payload{
			CanonicalName: name,
			Bytes:         content,
			IsControlFile: IsControlFile(name),
		})
	}

	if len(payloads) == 0 {
		mode = ModeEmpty
	}

	e.metrics.RecordExtraction(string(mode), len(payloads))
	e.logger.Info("archive extracted",
		zap.String("dir", dir),
		zap.String("mode", string(mode)),
		zap.Int("payloads", len(payloads)))

	return Result{Mode: mode, Payloads: payloads}
}

// extractStructured walks the tar stream. It returns the canonical names written and a
// non-nil error when the stream framing itself broke.
func (e *Extractor) extractStructured(data []byte, dir string) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("read tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := e.writeEntry(tr, hdr.Name, dir)
		if err != nil {
			var streamErr *streamError
			if errors.As(err, &streamErr) {
				return names, err
			}
			e.logger.Warn("skipping archive entry", zap.String("entry", hdr.Name), zap.Error(err))
			continue
		}
		names = append(names, name)
	}
}

// streamError marks a failure reading from the archive stream, as opposed to a local
// failure writing the output file.
type streamError struct{ err error }

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

func (e *Extractor) writeEntry(r io.Reader, rawName, dir string) (string, error) {
	nested := strings.HasSuffix(strings.ToLower(rawName), ".gz")
	if nested {
		rawName = rawName[:len(rawName)-len(".gz")]
	}
	name := Canonicalize(rawName)
	out := filepath.Join(dir, name)

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}

	src := io.Reader(&trackingReader{r: r})
	if nested {
		raw, err := io.ReadAll(src)
		if err != nil {
			f.Close()
			os.Remove(out)
			return "", &streamError{err: err}
		}
		inner, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			f.Close()
			os.Remove(out)
			return "", fmt.Errorf("open nested gzip %s: %w", rawName, err)
		}
		defer inner.Close()
		src = inner
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(out)
		var tracked *trackedReadError
		if errors.As(err, &tracked) {
			return "", &streamError{err: tracked.err}
		}
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return name, nil
}

// trackingReader tags read errors of the archive stream so they can be told apart from
// write errors after io.Copy.
type trackingReader struct{ r io.Reader }

type trackedReadError struct{ err error }

func (e *trackedReadError) Error() string { return e.err.Error() }
func (e *trackedReadError) Unwrap() error { return e.err }

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		err = &trackedReadError{err: err}
	}
	return n, err
}

// recoverLines re-reads the gzip stream as text. A line ending in the tabular extension starts a
// new file; following lines are copied into it. Files named in skip were extracted intact
// and are left alone.
func (e *Extractor) recoverLines(data []byte, dir string, skip map[string]bool) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var (
		names  []string
		opened = make(map[string]bool)
		file   *os.File
		writer *bufio.Writer
	)
	closeCurrent := func() error {
		if file == nil {
			return nil
		}
		flushErr := writer.Flush()
		closeErr := file.Close()
		file, writer = nil, nil
		if flushErr != nil {
			return flushErr
		}
		return closeErr
	}
	defer closeCurrent()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecoveryLine)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasSuffix(trimmed, TabularExtension) {
			if err := closeCurrent(); err != nil {
				return names, fmt.Errorf("close recovered file: %w", err)
			}
			name := Canonicalize(trimmed)
			if skip[name] {
				continue
			}
			// A name seen again continues the earlier section instead of truncating it.
			flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if opened[name] {
				flags = os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(filepath.Join(dir, name), flags, 0o644)
			if err != nil {
				e.logger.Warn("cannot open recovered file", zap.String("file", name), zap.Error(err))
				continue
			}
			file, writer = f, bufio.NewWriter(f)
			if !opened[name] {
				opened[name] = true
				names = append(names, name)
			}
			continue
		}

		if writer != nil {
			writer.WriteString(line)
			writer.WriteByte('\n')
		}
	}

	if err := closeCurrent(); err != nil {
		return names, fmt.Errorf("close recovered file: %w", err)
	}
	return names, scanner.Err()
}
