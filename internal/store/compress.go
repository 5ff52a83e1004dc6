package store

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// compressIfSmaller mirrors the teacher's pdata compression rule: gzip the
// blob and only keep the compressed form if it actually saved space, since
// short ciphertext chunks often don't.
func compressIfSmaller(b []byte) (comp string, out []byte, err error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return "", nil, fmt.Errorf("store: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("store: compress: %w", err)
	}
	if buf.Len() < len(b) {
		return "gzip", buf.Bytes(), nil
	}
	return "", b, nil
}

func decompress(comp string, b []byte) ([]byte, error) {
	switch comp {
	case "":
		return b, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("store: decompress: %w", err)
		}
		defer zr.Close()
		var out bytes.Buffer
		if _, err := out.ReadFrom(zr); err != nil {
			return nil, fmt.Errorf("store: decompress: %w", err)
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("store: unsupported compression method %q", comp)
	}
}
