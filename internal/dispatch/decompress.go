package dispatch

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"scenetap/internal/frame"
)

// maxDecodedSize caps a single decompressed body.
const maxDecodedSize = 64 << 20

// DecodeError reports a payload that could not be decompressed.
type DecodeError struct {
	Kind frame.Kind
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("zstd decode of %d byte %s payload: %v", e.Size, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decompressor struct {
	dec *zstd.Decoder
}

func newDecompressor() (*decompressor, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecodedSize),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &decompressor{dec: dec}, nil
}

func (d *decompressor) decode(kind frame.Kind, src []byte) ([]byte, error) {
	out, err := d.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, &DecodeError{Kind: kind, Size: len(src), Err: err}
	}
	return out, nil
}

func (d *decompressor) close() { d.dec.Close() }
