package frame

import "encoding/binary"

// ExtractAll slices every complete frame off the front of *buf and leaves the
// incomplete remainder in place for the next arrival. The returned frames
// alias the original buffer.
//
// A declared length above MaxFrameLength, or one too small to cover its own
// prefix, returns a stream corruption error together with the frames that
// were complete before the bad length. *buf is left pointing at the bad
// length; the caller is expected to reset the stream.
func ExtractAll(buf *[]byte) ([][]byte, error) {
	var frames [][]byte
	b := *buf
	for len(b) > LengthSize {
		n := binary.BigEndian.Uint32(b)
		if n > MaxFrameLength {
			*buf = b
			return frames, NewError(ErrCodeFrameTooLarge, "declared length %#x exceeds %#x", n, MaxFrameLength)
		}
		if n < LengthSize {
			*buf = b
			return frames, NewError(ErrCodeBadLength, "declared length %d shorter than its prefix", n)
		}
		if uint32(len(b)) < n {
			break
		}
		frames = append(frames, b[:n:n])
		b = b[n:]
	}
	*buf = b
	return frames, nil
}
