// Package pkcs7 implements the PKCS-style padding used by CBC block ciphers:
// the pad value equals the number of padding bytes appended.
package pkcs7

import (
	"bytes"
	"errors"
	"fmt"
)

var ErrInvalidPadding = errors.New("invalid padding")

// PaddingError reports which trailing byte broke the padding rule.
// Offset is the index of the offending byte in the data passed to Unpad.
// A zero Expected means the pad value itself was out of range.
type PaddingError struct {
	Value     byte
	Expected  byte
	Offset    int
	BlockSize int
}

func (e *PaddingError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("invalid padding: pad value 0x%02x at offset %d not in 1..%d", e.Value, e.Offset, e.BlockSize)
	}
	return fmt.Sprintf("invalid padding: byte 0x%02x at offset %d, expected 0x%02x", e.Value, e.Offset, e.Expected)
}

func (e *PaddingError) Unwrap() error {
	return ErrInvalidPadding
}

// Pad appends padding up to the next multiple of blockSize. Aligned input
// gets a full block of padding.
func Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad validates the trailing padding and returns data without it.
// The returned slice shares memory with data.
func Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, &PaddingError{Offset: -1, BlockSize: blockSize}
	}

	last := len(data) - 1
	p := data[last]
	if p == 0 || int(p) > blockSize || int(p) > len(data) {
		return nil, &PaddingError{Value: p, Offset: last, BlockSize: blockSize}
	}

	for i := len(data) - int(p); i < last; i++ {
		if data[i] != p {
			return nil, &PaddingError{Value: data[i], Expected: p, Offset: i, BlockSize: blockSize}
		}
	}

	return data[:len(data)-int(p)], nil
}
