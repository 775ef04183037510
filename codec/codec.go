// Package codec converts raw ciphertext to and from the text form a target
// expects, e.g. a base64 cookie.
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

type Codec interface {
	Name() string
	Encode([]byte) string
	Decode(string) ([]byte, error)
}

// Names lists the codecs Lookup knows about.
var Names = []string{"base64", "base64url", "hex", "raw"}

func Lookup(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "base64", "b64":
		return b64{name: "base64", enc: base64.StdEncoding}, nil
	case "base64url", "b64url":
		return b64{name: "base64url", enc: base64.URLEncoding}, nil
	case "hex":
		return hexCodec{}, nil
	case "raw":
		return raw{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

type b64 struct {
	name string
	enc  *base64.Encoding
}

func (c b64) Name() string {
	return c.name
}

func (c b64) Encode(b []byte) string {
	return c.enc.EncodeToString(b)
}

// Decode accepts input with or without trailing '=' padding.
func (c b64) Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	b, err := c.enc.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return b, nil
}

type hexCodec struct{}

func (hexCodec) Name() string {
	return "hex"
}

func (hexCodec) Encode(b []byte) string {
	return hex.EncodeToString(b)
}

func (hexCodec) Decode(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("hex: %w", err)
	}
	return b, nil
}

type raw struct{}

func (raw) Name() string {
	return "raw"
}

func (raw) Encode(b []byte) string {
	return string(b)
}

func (raw) Decode(s string) ([]byte, error) {
	return []byte(s), nil
}
