package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/mario-areias/pythia/attack"
	"github.com/mario-areias/pythia/codec"
	"github.com/mario-areias/pythia/config"
	"github.com/mario-areias/pythia/httporacle"
	"github.com/mario-areias/pythia/key"
	"github.com/mario-areias/pythia/server"
	"github.com/mario-areias/pythia/source"
	"github.com/mario-areias/pythia/target"
)

// randomSource feeds the trailing block of forged ciphertexts.
var randomSource io.Reader = rand.Reader

func runDecrypt(ctx context.Context, opts *options, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	c, err := codec.Lookup(opts.cfg.Encoding)
	if err != nil {
		return err
	}

	payload, err := readPayload(ctx, opts, stdin)
	if err != nil {
		return err
	}
	if c.Name() != "raw" {
		payload = bytes.TrimSpace(payload)
	}

	ciphertext, err := c.Decode(string(payload))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	stream, done, err := newStream(opts.cfg, log)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	plaintext, err := stream.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	log.Info("decrypted",
		"blocks", len(ciphertext)/opts.cfg.BlockSize-1,
		"bytes", len(plaintext),
		"queries", stream.Queries(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return writeOutput(stdout, plaintext)
}

func runEncrypt(ctx context.Context, opts *options, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	c, err := codec.Lookup(opts.cfg.Encoding)
	if err != nil {
		return err
	}

	plaintext, err := readPayload(ctx, opts, stdin)
	if err != nil {
		return err
	}

	stream, done, err := newStream(opts.cfg, log)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	forged, err := stream.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	log.Info("forged",
		"blocks", len(forged)/opts.cfg.BlockSize,
		"queries", stream.Queries(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if c.Name() == "raw" {
		return writeOutput(stdout, forged)
	}
	_, err = fmt.Fprintln(stdout, c.Encode(forged))
	return err
}

func runServe(ctx context.Context, opts *options, log *slog.Logger) error {
	c, err := codec.Lookup(opts.cfg.Encoding)
	if err != nil {
		return err
	}

	t, err := newTarget(opts.cfg, log)
	if err != nil {
		return err
	}

	return server.New(t, c, log).Start(ctx, opts.cfg.Listen)
}

// newStream builds the attack against the configured oracle. done logs the
// oracle's statistics.
func newStream(cfg *config.Config, log *slog.Logger) (*attack.Stream, func(), error) {
	oracle, done, err := buildOracle(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	stream, err := attack.New(cfg.BlockSize, oracle,
		attack.WithWorkers(cfg.Workers),
		attack.WithVerbose(cfg.Verbose),
		attack.WithLogger(log),
		attack.WithRandom(randomSource),
	)
	if err != nil {
		return nil, nil, err
	}

	return stream, done, nil
}

// buildOracle queries the remote application at cfg.URL, or a local target
// when no URL is set.
func buildOracle(cfg *config.Config, log *slog.Logger) (attack.Oracle, func(), error) {
	if cfg.URL == "" {
		t, err := newTarget(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		if t.BlockSize() != cfg.BlockSize {
			return nil, nil, fmt.Errorf("%s has %d byte blocks, block size is %d", cfg.Cipher, t.BlockSize(), cfg.BlockSize)
		}
		log.Info("attacking local target", "cipher", cfg.Cipher)
		return t.Oracle(), func() {}, nil
	}

	client, err := httporacle.New(cfg.Oracle(), log)
	if err != nil {
		return nil, nil, err
	}

	return client.Oracle(), func() {
		requests, failures := client.Stats()
		log.Info("oracle stats", "requests", requests, "failures", failures)
	}, nil
}

func newTarget(cfg *config.Config, log *slog.Logger) (*target.Target, error) {
	var k key.Key
	if cfg.Key == "" {
		k = key.Random(target.KeySize(cfg.Cipher))
		log.Debug("generated key", "key", k)
	} else {
		var err error
		if k, err = key.Parse(cfg.Key); err != nil {
			return nil, err
		}
	}

	block, err := target.NewCipher(cfg.Cipher, k)
	if err != nil {
		return nil, err
	}

	return target.New(block), nil
}

// readPayload takes the payload from -in, the single argument, or a piped
// stdin, in that order.
func readPayload(ctx context.Context, opts *options, stdin io.Reader) ([]byte, error) {
	switch {
	case opts.in != "":
		return source.Read(ctx, opts.in, stdin)
	case len(opts.args) == 1:
		return []byte(opts.args[0]), nil
	case len(opts.args) > 1:
		return nil, fmt.Errorf("%w: expected one payload argument, got %d", errUsage, len(opts.args))
	case !isTerminal(stdin):
		return source.Read(ctx, source.Stdin, stdin)
	default:
		return nil, fmt.Errorf("%w: no payload, pass it as an argument, with -in or on stdin", errUsage)
	}
}

// writeOutput ends the output with a newline only for a terminal, so piped
// plaintext stays byte for byte.
func writeOutput(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	if isTerminal(w) && !bytes.HasSuffix(b, []byte("\n")) {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
