package attack

import (
	"log/slog"
	"sync/atomic"
)

// Oracle reports whether ciphertext decrypts to a message with valid padding.
// It is called from many goroutines at once and must give the same answer
// for the same input.
type Oracle func(ciphertext []byte) bool

// querier is shared by every Block of a Stream.
type querier struct {
	oracle  Oracle
	workers int
	log     *slog.Logger
	count   atomic.Int64
}

func (q *querier) ask(message []byte) bool {
	q.count.Add(1)
	return q.oracle(message)
}
