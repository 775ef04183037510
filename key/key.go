package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

type Key interface {
	GetBytes() []byte
	Len() int
}

type key struct {
	material []byte
}

func (k *key) GetBytes() []byte {
	return k.material
}

func (k *key) Len() int {
	return len(k.material)
}

// Random returns a key of n random bytes.
func Random(n int) Key {
	return &key{material: generateRandomBytes(n)}
}

func Bit128() Key {
	return Random(16)
}

func NewKey(material []byte) Key {
	m := make([]byte, len(material))
	copy(m, material)
	return &key{material: m}
}

// Parse reads a hex encoded key. Whitespace and an optional 0x prefix are
// ignored.
func Parse(s string) (Key, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}

	material, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	return &key{material: material}, nil
}

// String returns the key as hex, so a generated key can be printed and fed
// back through Parse.
func (k *key) String() string {
	return hex.EncodeToString(k.material)
}

func generateRandomBytes(n int) []byte {
	randBytes := make([]byte, n)

	i, err := rand.Read(randBytes)
	if i != n || err != nil {
		panic("Could not generate random bytes")
	}

	return randBytes
}
