// Package report writes the dated TSV recovery reports. The file is only
// created when the first row is appended, so a run that recovers nothing
// leaves no report behind.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Writer appends rows to a TSV file, creating it (with header) lazily on
// the first row.
type Writer struct {
	path   string
	header []string
	file   *os.File
}

// NewWriter returns a lazy TSV writer for an explicit path.
func NewWriter(path string, header ...string) *Writer {
	return &Writer{path: path, header: header}
}

// NewDatedWriter returns a lazy writer for <dir>/<prefix>_YYYYMMDD.tsv.
func NewDatedWriter(dir, prefix string, now time.Time, header ...string) *Writer {
	name := fmt.Sprintf("%s_%s.tsv", prefix, now.Format("20060102"))
	return NewWriter(filepath.Join(dir, name), header...)
}

// Path returns the report file path, whether or not it exists yet.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one row. On the first call the directory and file are
// created and the header line written.
func (w *Writer) Append(fields ...string) error {
	if len(fields) != len(w.header) {
		return eris.Errorf("report: row has %d fields, header has %d", len(fields), len(w.header))
	}

	if w.file == nil {
		if dir := filepath.Dir(w.path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return eris.Wrapf(err, "report: create dir %s", dir)
			}
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return eris.Wrapf(err, "report: open %s", w.path)
		}
		w.file = f

		info, err := f.Stat()
		if err != nil {
			return eris.Wrapf(err, "report: stat %s", w.path)
		}
		if info.Size() == 0 {
			if _, err := f.WriteString(strings.Join(w.header, "\t") + "\n"); err != nil {
				return eris.Wrapf(err, "report: write header to %s", w.path)
			}
		}
	}

	// Tabs and newlines inside a field would corrupt the row structure.
	clean := make([]string, len(fields))
	for i, v := range fields {
		v = strings.ReplaceAll(v, "\t", " ")
		v = strings.ReplaceAll(v, "\n", " ")
		clean[i] = v
	}
	if _, err := w.file.WriteString(strings.Join(clean, "\t") + "\n"); err != nil {
		return eris.Wrapf(err, "report: append to %s", w.path)
	}
	return nil
}

// Close closes the underlying file if it was ever created.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return eris.Wrapf(err, "report: close %s", w.path)
	}
	return nil
}
