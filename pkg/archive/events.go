package archive

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rtbids/rtbids/pkg/bids"
)

// EventsFile is a tabular file read from an archive, split into its
// header row and data rows.
type EventsFile struct {
	File    *File
	Columns []string
	Rows    [][]string
}

// NumRows returns the number of data rows in the table.
func (e *EventsFile) NumRows() int { return len(e.Rows) }

// Column returns the named column's values in row order.
func (e *EventsFile) Column(name string) ([]string, bool) {
	col := -1
	for i, c := range e.Columns {
		if c == name {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, false
	}
	values := make([]string, len(e.Rows))
	for i, row := range e.Rows {
		values[i] = row[col]
	}
	return values, true
}

// Float64Column returns the named column parsed as floats. The BIDS
// missing-value marker n/a becomes NaN.
func (e *EventsFile) Float64Column(name string) ([]float64, error) {
	raw, ok := e.Column(name)
	if !ok {
		return nil, fmt.Errorf("events file %s has no column %q", e.File.RelPath, name)
	}
	values := make([]float64, len(raw))
	for i, s := range raw {
		if s == "n/a" {
			values[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("events file %s column %q row %d: %w",
				e.File.RelPath, name, i, err)
		}
		values[i] = v
	}
	return values, nil
}

// readEventsFile parses a tab-separated table from disk, transparently
// decompressing .gz files.
func readEventsFile(absPath string, file *File) (*EventsFile, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(absPath, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", file.RelPath, err)
		}
		defer gz.Close()
		r = gz
	}

	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file.RelPath, err)
	}
	if len(records) == 0 {
		return nil, &bids.ValidationError{Msg: fmt.Sprintf("events file %s is empty", file.RelPath)}
	}

	return &EventsFile{
		File:    file,
		Columns: records[0],
		Rows:    records[1:],
	}, nil
}
