package frame

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractAllRetainsPartialTail(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x07, 0xAA, 0xAA, 0x01, 0x00, 0x00}

	frames, err := ExtractAll(&buf)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := [][]byte{{0x00, 0x00, 0x00, 0x07, 0xAA, 0xAA, 0x01}}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(buf, []byte{0x00, 0x00}) {
		t.Fatalf("remainder = %x, want 0000", buf)
	}
}

func TestExtractAllWaitsForCompleteFrame(t *testing.T) {
	full := Encode(KindNotify, false, []byte("hello world"))
	buf := append([]byte(nil), full[:8]...)

	frames, err := ExtractAll(&buf)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from a partial buffer", len(frames))
	}
	if len(buf) != 8 {
		t.Fatalf("partial buffer consumed: %d bytes left", len(buf))
	}

	buf = append(buf, full[8:]...)
	frames, err = ExtractAll(&buf)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], full) {
		t.Fatalf("frames = %x, want one %x", frames, full)
	}
	if len(buf) != 0 {
		t.Fatalf("remainder = %x", buf)
	}
}

func TestExtractAllBackToBack(t *testing.T) {
	a := Encode(KindNotify, false, []byte{1})
	b := Encode(KindReturn, true, []byte{2, 3})
	c := Encode(KindFrameDown, false, nil)
	var buf []byte
	buf = append(buf, a...)
	buf = append(buf, b...)
	buf = append(buf, c...)

	frames, err := ExtractAll(&buf)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if diff := cmp.Diff([][]byte{a, b, c}, frames); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractAllOversizeIsCorruption(t *testing.T) {
	good := Encode(KindNotify, false, []byte{9})
	buf := append(append([]byte(nil), good...), 0x00, 0x20, 0x00, 0x00, 0x00, 0x02, 0xFF)

	frames, err := ExtractAll(&buf)
	if err == nil {
		t.Fatalf("expected error for length 0x200000")
	}
	if !IsStreamCorruption(err) {
		t.Fatalf("error %v is not stream corruption", err)
	}
	pe, _ := IsProtocolError(err)
	if pe.Code != ErrCodeFrameTooLarge {
		t.Fatalf("code = %s, want %s", pe.Code, ErrCodeFrameTooLarge)
	}
	if len(frames) != 1 {
		t.Fatalf("frames before the bad length should be returned, got %d", len(frames))
	}
}

func TestExtractAllTinyLengthIsCorruption(t *testing.T) {
	for _, n := range []byte{0, 1, 3} {
		buf := []byte{0, 0, 0, n, 0xAB, 0xCD}
		_, err := ExtractAll(&buf)
		if !IsStreamCorruption(err) {
			t.Fatalf("length %d: err = %v, want corruption", n, err)
		}
	}
}

func TestParseHeader(t *testing.T) {
	raw := Encode(KindReturn, true, []byte{0xDE, 0xAD})
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Kind() != KindReturn || !f.Compressed() {
		t.Fatalf("kind=%s compressed=%v", f.Kind(), f.Compressed())
	}
	if f.Length != uint32(len(raw)) || !bytes.Equal(f.Body, []byte{0xDE, 0xAD}) {
		t.Fatalf("unexpected frame %+v", f)
	}

	if _, err := Parse([]byte{0, 0, 0, 5, 1}); err == nil {
		t.Fatalf("expected short frame error")
	}
}
