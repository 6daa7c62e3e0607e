// Package commitment implements the commit-reveal codec for moves. A
// commitment is SHA-256 over the single-byte move tag followed by the nonce
// as eight little-endian bytes.
package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// preimageSize is the move tag plus the 8-byte nonce.
const preimageSize = 1 + 8

// Commit returns the commitment for move and nonce. An invalid move is
// rejected before hashing.
func Commit(move domain.Move, nonce uint64) (domain.Commitment, error) {
	if !move.Valid() {
		return domain.Commitment{}, fmt.Errorf("%w: invalid move tag %d", domain.ErrValidation, uint8(move))
	}
	return digest(move, nonce), nil
}

// Verify reports whether commitment was produced from move and nonce. It
// returns false for any malformed input.
func Verify(c domain.Commitment, move domain.Move, nonce uint64) bool {
	if !move.Valid() || c.IsZero() {
		return false
	}
	want := digest(move, nonce)
	return subtle.ConstantTimeCompare(want[:], c[:]) == 1
}

// VerifyHex is Verify over a hex-encoded commitment.
func VerifyHex(hexCommitment string, move domain.Move, nonce uint64) bool {
	c, err := domain.ParseCommitment(hexCommitment)
	if err != nil {
		return false
	}
	return Verify(c, move, nonce)
}

// NewNonce draws a random nonce from crypto/rand.
func NewNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("commitment: read nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func digest(move domain.Move, nonce uint64) domain.Commitment {
	var pre [preimageSize]byte
	pre[0] = byte(move)
	binary.LittleEndian.PutUint64(pre[1:], nonce)
	return domain.Commitment(sha256.Sum256(pre[:]))
}
