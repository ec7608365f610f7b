package upload

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

const maxLineBytes = 16 << 20

// rowSet is an insertion-ordered map from a row's first field to the raw row text.
// Overwriting an existing key keeps its original position.
type rowSet struct {
	header string
	order  []string
	rows   map[string]string
}

func newRowSet() *rowSet {
	return &rowSet{rows: make(map[string]string)}
}

func (s *rowSet) upsert(line string) {
	key := firstField(line)
	if _, ok := s.rows[key]; !ok {
		s.order = append(s.order, key)
	}
	s.rows[key] = line
}

func (s *rowSet) len() int { return len(s.order) }

// load reads CSV text from r. The first non-blank line is the header; it is kept only when
// the set has none yet. Blank lines are dropped and CRLF endings normalized.
func (s *rowSet) load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	sawHeader := false
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sawHeader {
			sawHeader = true
			if s.header == "" {
				s.header = line
			}
			continue
		}
		s.upsert(line)
	}
	return scanner.Err()
}

func (s *rowSet) writeTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if s.header != "" {
		if _, err := fmt.Fprintln(bw, s.header); err != nil {
			return err
		}
	}
	for _, key := range s.order {
		if _, err := fmt.Fprintln(bw, s.rows[key]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// mergeCSV upserts the rows of sources, in order, keyed by the first field, and writes the
// header plus surviving rows to out. Later sources replace earlier rows; the first header
// seen wins.
func mergeCSV(out io.Writer, sources ...io.Reader) (int, error) {
	set := newRowSet()
	for i, src := range sources {
		if err := set.load(src); err != nil {
			return 0, fmt.Errorf("read rows of source %d: %w", i, err)
		}
	}
	if err := set.writeTo(out); err != nil {
		return 0, fmt.Errorf("write merged rows: %w", err)
	}
	return set.len(), nil
}

// firstField returns the first CSV field of line, honoring quotes. Lines the CSV reader
// rejects fall back to the text before the first comma.
func firstField(line string) string {
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err == nil && len(fields) > 0 {
		return fields[0]
	}
	if i := strings.IndexByte(line, ','); i >= 0 {
		return line[:i]
	}
	return line
}
