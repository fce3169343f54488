// Package keystore loads the keeper signing key, either raw from the
// environment or from a password-encrypted JSON file.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2-HMAC-SHA256 work factor for new files
	DefaultIterations = 480_000

	saltLen       = 16
	aesKeyLen     = 32
	schemaVersion = 1
)

var (
	// ErrNoKeySource is returned when neither a raw key nor a key file is configured
	ErrNoKeySource = errors.New("keystore: no signing key configured")
	// ErrEmptyPassword is returned when encrypting or decrypting without a password
	ErrEmptyPassword = errors.New("keystore: password must not be empty")
)

// file is the on-disk format of an encrypted key
type file struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Source describes where the signing key comes from
type Source struct {
	PrivateKey  string
	KeyFile     string
	KeyPassword string
}

// Load resolves the signing key. A raw key wins over a key file.
func Load(src Source) (*ecdsa.PrivateKey, error) {
	if src.PrivateKey != "" {
		return ParsePrivateKey(src.PrivateKey)
	}
	if src.KeyFile != "" {
		data, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("keystore: reading key file: %w", err)
		}
		return Decrypt(data, src.KeyPassword)
	}
	return nil, ErrNoKeySource
}

// ParsePrivateKey parses a hex private key with or without 0x prefix
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid private key: %w", err)
	}
	return key, nil
}

// Encrypt seals a private key with a password using PBKDF2-HMAC-SHA256
// and AES-256-GCM. iterations <= 0 selects DefaultIterations.
func Encrypt(key *ecdsa.PrivateKey, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generating nonce: %w", err)
	}

	out := file{
		Version:    schemaVersion,
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, crypto.FromECDSA(key), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decrypt opens a file produced by Encrypt and checks the recorded address
func Decrypt(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	var stored file
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("keystore: parsing key file: %w", err)
	}
	if stored.Version != schemaVersion {
		return nil, fmt.Errorf("keystore: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding ciphertext: %w", err)
	}

	iterations := stored.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decryption failed (wrong password?): %w", err)
	}

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid decrypted key: %w", err)
	}
	if stored.Address != "" && crypto.PubkeyToAddress(key.PublicKey).Hex() != stored.Address {
		return nil, fmt.Errorf("keystore: decrypted key does not match address %s", stored.Address)
	}
	return key, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating GCM: %w", err)
	}
	return gcm, nil
}
