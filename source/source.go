// Package source loads the bytes an attack works on. A location is either
// "-" for stdin, a local path, or anything go-getter understands, such as
// https://host/token.txt or s3::https://bucket/token.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	get "github.com/hashicorp/go-getter"
)

const Stdin = "-"

// Read returns the contents at location.
func Read(ctx context.Context, location string, stdin io.Reader) ([]byte, error) {
	switch {
	case location == "":
		return nil, fmt.Errorf("empty location")
	case location == Stdin:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case isRemote(location):
		return fetch(ctx, location)
	default:
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", location, err)
		}
		return data, nil
	}
}

// Text is Read with surrounding whitespace removed, for encoded tokens.
func Text(ctx context.Context, location string, stdin io.Reader) (string, error) {
	data, err := Read(ctx, location, stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func isRemote(location string) bool {
	return strings.Contains(location, "::") || strings.Contains(location, "://")
}

func fetch(ctx context.Context, location string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "pythia-source-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	dst := filepath.Join(dir, "payload")
	if err := get.GetFile(dst, location, get.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}

	return os.ReadFile(dst)
}
