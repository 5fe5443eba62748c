// Package record reads CSV input and splits its rows across parallel tasks.
package record

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// Reader yields the encoded rows of one partition. Row i (0-based, header
// excluded) belongs to partition i % count.
type Reader struct {
	r      *csv.Reader
	index  int
	count  int
	row    int
	header []byte

	buf bytes.Buffer
	enc *csv.Writer
}

// NewReader reads the header line and prepares partition index of count.
func NewReader(r io.Reader, index, count int) (*Reader, error) {
	if count <= 0 || index < 0 || index >= count {
		return nil, fmt.Errorf("invalid partition %d of %d", index, count)
	}
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	rd := &Reader{r: cr, index: index, count: count}
	rd.enc = csv.NewWriter(&rd.buf)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("input has no header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if rd.header, err = rd.encode(header); err != nil {
		return nil, err
	}
	return rd, nil
}

// Header returns the encoded header line without a trailing newline.
func (r *Reader) Header() []byte {
	return r.header
}

// Next returns the next encoded row of this partition, or io.EOF.
func (r *Reader) Next() ([]byte, error) {
	for {
		fields, err := r.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read row %d: %w", r.row+1, err)
		}
		row := r.row
		r.row++
		if row%r.count != r.index {
			continue
		}
		return r.encode(fields)
	}
}

// encode renders one row with CSV quoting and no trailing newline.
func (r *Reader) encode(fields []string) ([]byte, error) {
	r.buf.Reset()
	if err := r.enc.Write(fields); err != nil {
		return nil, err
	}
	r.enc.Flush()
	if err := r.enc.Error(); err != nil {
		return nil, err
	}
	line := bytes.TrimSuffix(r.buf.Bytes(), []byte("\n"))
	return bytes.Clone(line), nil
}
