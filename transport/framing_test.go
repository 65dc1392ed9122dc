package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello frame")
	frame := EncodeFrame(payload)

	if len(frame) != FrameHeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), FrameHeaderSize+len(payload))
	}

	decoded, rest, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("decoded payload = %q, want %q", decoded, payload)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %d bytes, want 0", len(rest))
	}
}

func TestDecodeFrameConcatenated(t *testing.T) {
	data := append(EncodeFrame([]byte("first")), EncodeFrame([]byte("second"))...)

	first, rest, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("first DecodeFrame failed: %v", err)
	}
	if string(first) != "first" {
		t.Errorf("first payload = %q", first)
	}

	second, rest, err := DecodeFrame(rest)
	if err != nil {
		t.Fatalf("second DecodeFrame failed: %v", err)
	}
	if string(second) != "second" {
		t.Errorf("second payload = %q", second)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %d bytes, want 0", len(rest))
	}
}

func TestDecodeFrameShortHeader(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x00, 0x01})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestDecodeFrameDeclaredLengthTooLong(t *testing.T) {
	frame := EncodeFrame([]byte("payload"))
	_, _, err := DecodeFrame(frame[:len(frame)-2])
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestWriteReadFrameStream(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("streamed payload")

	if err := WriteFrame(&buf, payload, 1024); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 100), 10)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 100), 0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	_, err := ReadFrame(&buf, 10)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	frame := EncodeFrame([]byte("truncate me"))
	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-3]), 1024)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}
