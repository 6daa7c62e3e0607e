package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Settlement(string matchId,string currency,string status,string winner,string pot,string fee,string payout,uint256 settledAt)
	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("Settlement(string matchId,string currency,string status,string winner,string pot,string fee,string payout,uint256 settledAt)"),
	)
)

// ReceiptSigner signs settlements with the server's secp256k1 key so that
// participants can verify an outcome offline.
type ReceiptSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewReceiptSigner creates a ReceiptSigner from a hex-encoded private key.
func NewReceiptSigner(privateKeyHex string, chainID int) (*ReceiptSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/receipt: invalid private key: %w", err)
	}
	return &ReceiptSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator("RPSArena", "1", chainID),
	}, nil
}

// Address is the signer's public address.
func (s *ReceiptSigner) Address() common.Address {
	return s.address
}

// SignSettlement returns a 0x-prefixed 65-byte signature over st.
func (s *ReceiptSigner) SignSettlement(st domain.Settlement) (string, error) {
	sig, err := ethcrypto.Sign(s.digest(st), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/receipt: sign %s: %w", st.MatchID, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifySettlement reports whether receipt was produced by this signer over
// st.
func (s *ReceiptSigner) VerifySettlement(st domain.Settlement, receipt string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(receipt, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(s.digest(st), sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == s.address
}

func (s *ReceiptSigner) digest(st domain.Settlement) []byte {
	structHash := ethcrypto.Keccak256(
		settlementTypeHash,
		ethcrypto.Keccak256([]byte(st.MatchID)),
		ethcrypto.Keccak256([]byte(st.Currency)),
		ethcrypto.Keccak256([]byte(st.Status)),
		ethcrypto.Keccak256([]byte(st.Winner)),
		ethcrypto.Keccak256([]byte(st.Pot.String())),
		ethcrypto.Keccak256([]byte(st.Fee.String())),
		ethcrypto.Keccak256([]byte(st.Payout.String())),
		common.LeftPadBytes(big.NewInt(st.SettledAt.Unix()).Bytes(), 32),
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, s.domainSep, structHash)
}

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func domainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		common.LeftPadBytes(big.NewInt(int64(chainID)).Bytes(), 32),
	)
}
