// Package crypto verifies participant wallet signatures, signs settlement
// receipts with the server key and issues resume tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// receiptKeyFile is the on-disk format of an encrypted receipt key. Address
// is stored in clear so operators can tell which signer a file holds; it is
// also bound into the ciphertext as additional data.
type receiptKeyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig carries the information LoadKey needs to resolve the receipt
// signing key. Populate the fields from environment variables or a config
// file.
type KeyConfig struct {
	// RawPrivateKey is the hex-encoded private key (with or without 0x prefix).
	RawPrivateKey string

	// EncryptedKeyPath is the path to a JSON file produced by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string

	// AllowEphemeral lets LoadKey generate a throwaway key when no source is
	// configured. Receipts signed with it cannot be verified after restart.
	AllowEphemeral bool
}

// parseKeyHex validates a secp256k1 private key and returns it as bare hex
// together with the signer address it controls.
func parseKeyHex(s string) (string, common.Address, error) {
	k := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	pk, err := ethcrypto.HexToECDSA(k)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("crypto: invalid receipt key: %w", err)
	}
	return strings.ToLower(k), ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// keyCipher derives the AES-256-GCM cipher for password and salt.
func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptKey seals a receipt key under password and returns the key file
// contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	keyHex, addr, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	keyBytes, _ := hex.DecodeString(keyHex)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(receiptKeyFile{
		Version:    keyFileVersion,
		Address:    addr.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, addr.Bytes())),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the bare hex
// key. The decrypted key must control the address recorded in the file.
func DecryptKey(data []byte, password string) (string, error) {
	var f receiptKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if f.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", f.Version)
	}
	if !common.IsHexAddress(f.Address) {
		return "", fmt.Errorf("crypto: key file address %q is invalid", f.Address)
	}
	want := common.HexToAddress(f.Address)

	fields := make([][]byte, 3)
	for i, enc := range []string{f.Salt, f.Nonce, f.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return "", fmt.Errorf("crypto: decoding key file: %w", err)
		}
		fields[i] = b
	}
	salt, nonce, ciphertext := fields[0], fields[1], fields[2]

	gcm, err := keyCipher(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("crypto: key file nonce has the wrong size")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, want.Bytes())
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	keyHex, got, err := parseKeyHex(hex.EncodeToString(plaintext))
	if err != nil {
		return "", err
	}
	if got != want {
		return "", fmt.Errorf("crypto: key file holds %s, not %s", got.Hex(), want.Hex())
	}
	return keyHex, nil
}

// LoadKey resolves the receipt key. A raw key wins over a key file; with
// neither configured an ephemeral key is generated only if allowed.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		k, _, err := parseKeyHex(cfg.RawPrivateKey)
		return k, err

	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)

	case cfg.AllowEphemeral:
		return GenerateKey()
	}
	return "", errors.New("crypto: no receipt key source configured (set RawPrivateKey or EncryptedKeyPath)")
}

// GenerateKey returns a fresh hex-encoded secp256k1 private key.
func GenerateKey() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto: generating key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}
