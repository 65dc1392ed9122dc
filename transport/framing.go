package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the length of the big-endian length prefix carried by
// every framed message on unauthenticated media.
const FrameHeaderSize = 4

// EncodeFrame prepends the 4-byte big-endian length prefix to payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// DecodeFrame extracts one framed payload from data and returns the
// remaining bytes. A message with fewer than 4 header bytes, or whose
// declared length exceeds the available bytes, is rejected.
func DecodeFrame(data []byte) (payload, rest []byte, err error) {
	if len(data) < FrameHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d header bytes, need %d", ErrInvalidMessage, len(data), FrameHeaderSize)
	}

	length := binary.BigEndian.Uint32(data)
	if uint64(length) > uint64(len(data)-FrameHeaderSize) {
		return nil, nil, fmt.Errorf("%w: declared length %d exceeds %d available bytes", ErrInvalidMessage, length, len(data)-FrameHeaderSize)
	}

	end := FrameHeaderSize + int(length)
	return data[FrameHeaderSize:end], data[end:], nil
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte, maxSize uint32) error {
	if maxSize > 0 && uint32(len(payload)) > maxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(payload), maxSize)
	}

	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one framed payload from r, rejecting frames whose
// declared length exceeds maxSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: short frame header", ErrInvalidMessage)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: declared length %d, limit %d", ErrMessageTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame body", ErrInvalidMessage)
	}
	return payload, nil
}
