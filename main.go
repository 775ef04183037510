package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mario-areias/pythia/codec"
	"github.com/mario-areias/pythia/config"
)

const usage = `usage: pythia <command> [flags] [payload]

commands:
  decrypt   recover the plaintext of an encoded ciphertext through a padding oracle
  encrypt   forge an encoded ciphertext for a chosen plaintext
  serve     run a demo web application with a padding oracle

Run "pythia <command> -h" for the flags of a command.
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) || errors.Is(err, errUsage) {
			os.Exit(2)
		}
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("pythia failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "decrypt", "encrypt", "serve":
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	opts, err := parseFlags(cmd, args, stderr)
	if err != nil {
		return err
	}

	if cmd == "serve" {
		err = opts.cfg.Validate()
	} else {
		err = opts.cfg.ValidateAttack()
	}
	if err != nil {
		return err
	}

	log := newLogger(opts.cfg, stderr)

	switch cmd {
	case "decrypt":
		return runDecrypt(ctx, opts, stdin, stdout, log)
	case "encrypt":
		return runEncrypt(ctx, opts, stdin, stdout, log)
	default:
		return runServe(ctx, opts, log)
	}
}

type options struct {
	cfg  *config.Config
	in   string
	args []string
}

// parseFlags layers the settings: defaults, then the config file, then the
// environment, then flags given on the command line.
func parseFlags(cmd string, args []string, stderr io.Writer) (*options, error) {
	cfg := config.DefaultConfig()
	opts := &options{cfg: cfg}

	fs := flag.NewFlagSet("pythia "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "JSON config file")

	fs.StringVar(&cfg.URL, "url", cfg.URL, "oracle url, with {payload} where the ciphertext goes; empty attacks a local target built from -key")
	fs.StringVar(&cfg.Method, "method", cfg.Method, "HTTP method of oracle requests")
	fs.StringVar(&cfg.Cookie, "cookie", cfg.Cookie, "Cookie header of oracle requests")
	fs.Var((*headerList)(&cfg.Headers), "header", `extra request header "Name: value", repeatable`)
	fs.StringVar(&cfg.Body, "body", cfg.Body, "request body of oracle requests")
	fs.Var((*statusList)(&cfg.FailStatus), "fail-status", "comma separated status codes meaning bad padding")
	fs.StringVar(&cfg.FailMatch, "fail-match", cfg.FailMatch, "response body text meaning bad padding")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "SOCKS5 proxy, e.g. socks5://127.0.0.1:9050")
	fs.IntVar(&cfg.Timeout, "timeout", cfg.Timeout, "request timeout in seconds")

	fs.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "cipher block size in bytes")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent oracle queries")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "payload encoding: "+strings.Join(codec.Names, ", "))
	fs.StringVar(&opts.in, "in", "", "read the payload from a file, - for stdin, or a URL")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log progress per block")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address the demo server listens on")
	fs.StringVar(&cfg.Cipher, "cipher", cfg.Cipher, "cipher of the local target: aes, des or blowfish")
	fs.StringVar(&cfg.Key, "key", cfg.Key, "hex key of the local target, random when empty")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	if *configPath != "" {
		fromFile, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		config.Merge(cfg, fromFile, explicit)
	}

	if err := cfg.ApplyEnv(explicit); err != nil {
		return nil, err
	}

	opts.args = fs.Args()

	return opts, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

type headerList []string

func (l *headerList) String() string {
	return strings.Join(*l, ", ")
}

func (l *headerList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type statusList []int

func (l *statusList) String() string {
	parts := make([]string, len(*l))
	for i, code := range *l {
		parts[i] = strconv.Itoa(code)
	}
	return strings.Join(parts, ",")
}

// Set replaces the list, so "-fail-status=" clears the default.
func (l *statusList) Set(v string) error {
	var codes []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil || code < 100 || code > 599 {
			return fmt.Errorf("invalid status code %q", part)
		}
		codes = append(codes, code)
	}
	*l = codes
	return nil
}
