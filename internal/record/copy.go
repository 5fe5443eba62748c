package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Sink receives encoded records; a task writer is one.
type Sink interface {
	Write(ctx context.Context, record []byte) error
}

// Copy streams the rest of r into sink and returns how many records were
// accepted. It stops at the first sink error or when ctx is done.
func Copy(ctx context.Context, r *Reader, sink Sink) (int64, error) {
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := sink.Write(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
}

// CopyFile copies partition index of count from the CSV file at path.
func CopyFile(ctx context.Context, path string, index, count int, sink Sink) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	r, err := NewReader(f, index, count)
	if err != nil {
		return 0, err
	}
	return Copy(ctx, r, sink)
}

// ReadHeader returns the encoded header line of the CSV file at path.
func ReadHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	r, err := NewReader(f, 0, 1)
	if err != nil {
		return nil, err
	}
	return r.Header(), nil
}
