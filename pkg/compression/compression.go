// Package compression is the gzip wrapper the inbound HTTP-query handler
// applies to response bodies when the caller's request accepted gzip. It
// uses klauspost's drop-in gzip implementation rather than the stdlib
// compress/gzip.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrCompressionFailed wraps a failed compress or decompress operation.
type ErrCompressionFailed struct {
	Op  string
	Err error
}

func (e *ErrCompressionFailed) Error() string {
	return fmt.Sprintf("compression: %s: %v", e.Op, e.Err)
}

func (e *ErrCompressionFailed) Unwrap() error { return e.Err }

// Gzip deflates then gzip-wraps body: klauspost's gzip.Writer already
// produces a DEFLATE stream under the gzip envelope, so a single writer
// suffices.
func Gzip(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, &ErrCompressionFailed{Op: "new-writer", Err: err}
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, &ErrCompressionFailed{Op: "write", Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, &ErrCompressionFailed{Op: "close", Err: err}
	}
	return buf.Bytes(), nil
}

// Gunzip reverses Gzip; used by tests and by any collaborator that needs to
// verify what was published.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ErrCompressionFailed{Op: "new-reader", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &ErrCompressionFailed{Op: "read", Err: err}
	}
	return out, nil
}
