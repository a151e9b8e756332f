// Package artifact holds the persisted records exchanged between phases:
// datasets, manifests and reports.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/types"
)

// Dataset is a directory of JSON Lines files, one per entity.
type Dataset struct {
	Dir string
}

// OpenDataset returns the dataset rooted at dir.
func OpenDataset(dir string) *Dataset {
	return &Dataset{Dir: dir}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileName is the dataset-relative file of an entity.
func FileName(ref catalog.EntityRef) string {
	return filepath.Join(unsafeName.ReplaceAllString(ref.Store, "_"),
		unsafeName.ReplaceAllString(ref.Name, "_")+".jsonl")
}

// Path returns the absolute file of an entity.
func (d *Dataset) Path(ref catalog.EntityRef) string {
	return filepath.Join(d.Dir, FileName(ref))
}

// RowWriter streams rows of one entity. Columns are written in catalog
// order, unknown keys follow in lexical order.
type RowWriter struct {
	f       *os.File
	w       *bufio.Writer
	columns []string
	rows    int64
	bytes   int64
}

// Create opens a fresh file for ref.
func (d *Dataset) Create(ref catalog.EntityRef, columns []string) (*RowWriter, error) {
	path := d.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &RowWriter{f: f, w: bufio.NewWriter(f), columns: columns}, nil
}

// Write appends one row.
func (rw *RowWriter) Write(row types.Row) error {
	line, err := encodeRow(row, rw.columns)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	n, err := rw.w.Write(line)
	rw.bytes += int64(n)
	if err != nil {
		return err
	}
	rw.rows++
	return nil
}

// Rows returns the number of rows written.
func (rw *RowWriter) Rows() int64 { return rw.rows }

// Bytes returns the number of bytes written.
func (rw *RowWriter) Bytes() int64 { return rw.bytes }

// Close flushes and closes the file.
func (rw *RowWriter) Close() error {
	if err := rw.w.Flush(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}

func encodeRow(row types.Row, columns []string) ([]byte, error) {
	om := orderedmap.NewOrderedMap[string, any]()
	for _, c := range columns {
		if v, ok := row[c]; ok {
			om.Set(c, types.Normalize(v))
		}
	}
	var extra []string
	for k := range row {
		if _, ok := om.Get(k); !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		om.Set(k, types.Normalize(row[k]))
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for el := om.Front(); el != nil; el = el.Next() {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(el.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(el.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", el.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// WriteRows writes every row of ref and returns the byte size written.
func (d *Dataset) WriteRows(ref catalog.EntityRef, columns []string, rows []types.Row) (int64, error) {
	rw, err := d.Create(ref, columns)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if err := rw.Write(r); err != nil {
			rw.Close()
			return rw.Bytes(), err
		}
	}
	return rw.Bytes(), rw.Close()
}

// Scan calls fn for every row of ref. Numbers decode as json.Number so
// large identifiers survive.
func (d *Dataset) Scan(ref catalog.EntityRef, fn func(types.Row) error) error {
	f, err := os.Open(d.Path(ref))
	if err != nil {
		return fmt.Errorf("failed to open dataset for %s: %w", ref, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()
	for {
		row := make(types.Row)
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode %s: %w", ref, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// ReadRows loads every row of ref.
func (d *Dataset) ReadRows(ref catalog.EntityRef) ([]types.Row, error) {
	var rows []types.Row
	err := d.Scan(ref, func(r types.Row) error {
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

// Exists reports whether ref has a file in the dataset.
func (d *Dataset) Exists(ref catalog.EntityRef) bool {
	_, err := os.Stat(d.Path(ref))
	return err == nil
}
