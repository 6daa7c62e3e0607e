package crypto

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// LoginMessage is the text a wallet signs to open a gateway session.
func LoginMessage(address string, unixTS int64) string {
	return "rpsarena:login:" + strings.ToLower(address) + ":" + strconv.FormatInt(unixTS, 10)
}

// StakeMessage is the text a wallet signs to authorise locking a stake.
func StakeMessage(currency domain.Currency, stake decimal.Decimal, unixTS int64) string {
	return "rpsarena:stake:" + string(currency) + ":" + stake.String() + ":" + strconv.FormatInt(unixTS, 10)
}

// personalHash is the EIP-191 personal_sign digest:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func personalHash(message string) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return ethcrypto.Keccak256([]byte(prefix), []byte(message))
}

// RecoverPersonal returns the address that produced sigHex over message.
// Both v in {0,1} and {27,28} are accepted.
func RecoverPersonal(message, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/wallet: signature is not hex: %w", domain.ErrUnauthorized)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/wallet: signature must be 65 bytes, got %d: %w", len(sig), domain.ErrUnauthorized)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(personalHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/wallet: recover: %v: %w", err, domain.ErrUnauthorized)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// WalletVerifier checks wallet signatures on login and stake messages. A
// timestamp further than MaxSkew from now is rejected as a replay.
type WalletVerifier struct {
	MaxSkew time.Duration
	now     func() time.Time
}

// NewWalletVerifier creates a WalletVerifier.
func NewWalletVerifier(maxSkew time.Duration) *WalletVerifier {
	return &WalletVerifier{MaxSkew: maxSkew, now: time.Now}
}

// VerifyLogin checks that address signed LoginMessage(address, unixTS).
func (v *WalletVerifier) VerifyLogin(address string, unixTS int64, sigHex string) error {
	if err := v.fresh(unixTS); err != nil {
		return err
	}
	return verifySigner(address, LoginMessage(address, unixTS), sigHex)
}

// VerifyStake checks that address signed StakeMessage for the stake.
func (v *WalletVerifier) VerifyStake(address string, currency domain.Currency, stake decimal.Decimal, unixTS int64, sigHex string) error {
	if err := v.fresh(unixTS); err != nil {
		return err
	}
	return verifySigner(address, StakeMessage(currency, stake, unixTS), sigHex)
}

func (v *WalletVerifier) fresh(unixTS int64) error {
	skew := v.now().Sub(time.Unix(unixTS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return fmt.Errorf("crypto/wallet: timestamp %d outside %s window: %w", unixTS, v.MaxSkew, domain.ErrUnauthorized)
	}
	return nil
}

func verifySigner(address, message, sigHex string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("crypto/wallet: bad address %q: %w", address, domain.ErrUnauthorized)
	}
	got, err := RecoverPersonal(message, sigHex)
	if err != nil {
		return err
	}
	if got != common.HexToAddress(address) {
		return fmt.Errorf("crypto/wallet: signed by %s, not %s: %w", got.Hex(), address, domain.ErrUnauthorized)
	}
	return nil
}
