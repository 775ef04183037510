package attack

import (
	"errors"
	"fmt"
)

var (
	ErrBlockSize    = errors.New("invalid block size")
	ErrTooShort     = errors.New("ciphertext must hold at least two blocks")
	ErrNilOracle    = errors.New("oracle is required")
	ErrWorkers      = errors.New("worker count must be positive")
	ErrNoValidGuess = errors.New("oracle accepted no guess")
)

// OracleError is returned when none of the 256 guesses for a byte was
// accepted. Position counts from the end of the block, starting at 1.
type OracleError struct {
	Block    int
	Position int
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("block %d position %d: %s", e.Block, e.Position, ErrNoValidGuess)
}

func (e *OracleError) Unwrap() error {
	return ErrNoValidGuess
}
