// Package crypto protects the reader credential in transit: an ECDH P-256
// exchange with compressed public keys, HKDF-SHA256 session key derivation and
// AES-256-GCM sealing with the IV and tag carried in separate fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// CompressedKeySize is the length of a SEC1 compressed P-256 public key.
const CompressedKeySize = 33

// sessionInfo is the HKDF info string shared with the reader firmware.
var sessionInfo = []byte("readerlink-session")

// KeyExchange holds the local half of one ECDH exchange.
type KeyExchange struct {
	priv *ecdh.PrivateKey
}

// NewKeyExchange generates a fresh ephemeral P-256 key pair.
func NewKeyExchange() (*KeyExchange, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return &KeyExchange{priv: priv}, nil
}

// PublicKey returns the local public key in compressed form.
func (k *KeyExchange) PublicKey() []byte {
	return compressPublicKey(k.priv.PublicKey())
}

// Complete derives the session key from the peer's compressed public key.
func (k *KeyExchange) Complete(peerCompressed []byte) (*SessionKey, error) {
	peer, err := parseCompressedPublicKey(peerCompressed)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &SessionKey{key: key}, nil
}

// SessionKey is a 32-byte AES-256 key agreed with the reader.
type SessionKey struct {
	key []byte
}

// NewSessionKey wraps an existing 32-byte key.
func NewSessionKey(key []byte) (*SessionKey, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("ble/crypto: session key must be 32 bytes, got %d", len(key))
	}
	cp := make([]byte, 32)
	copy(cp, key)
	return &SessionKey{key: cp}, nil
}

// Seal encrypts plaintext, returning iv (12 bytes), ciphertext and tag
// (16 bytes) separately.
func (s *SessionKey) Seal(plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := s.aead()
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}

	// GCM Seal appends the tag to the ciphertext.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagSize := aead.Overhead()
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]
	return iv, ciphertext, tag, nil
}

// Open decrypts a value produced by Seal.
func (s *SessionKey) Open(iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	// Fresh buffer so the caller's ciphertext is not mutated.
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *SessionKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}

// deriveKey expands an ECDH secret into a 32-byte AES key.
func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, sessionInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// compressPublicKey returns the SEC1 compressed form (0x02/0x03 || x).
func compressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // 0x04 || x(32) || y(32)
	y := new(big.Int).SetBytes(raw[33:65])

	out := make([]byte, CompressedKeySize)
	out[0] = 0x02
	if y.Bit(0) == 1 {
		out[0] = 0x03
	}
	copy(out[1:], raw[1:33])
	return out
}

// parseCompressedPublicKey decodes a SEC1 compressed P-256 public key.
func parseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != CompressedKeySize {
		return nil, fmt.Errorf("ble/crypto: compressed key must be %d bytes, got %d", CompressedKeySize, len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("ble/crypto: invalid compression prefix: 0x%02x", data[0])
	}

	x := new(big.Int).SetBytes(data[1:])
	y := recoverY(x, data[0] == 0x03)
	if y == nil {
		return nil, errors.New("ble/crypto: point decompression failed")
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// recoverY solves y^2 = x^3 - 3x + b (mod p) on P-256 and picks the root
// with the requested parity. p = 3 mod 4, so y = (y^2)^((p+1)/4).
func recoverY(x *big.Int, odd bool) *big.Int {
	params := elliptic.P256().Params()
	p := params.P

	rhs := new(big.Int).Exp(x, big.NewInt(3), p)
	threeX := new(big.Int).Mul(big.NewInt(3), x)
	rhs.Sub(rhs, threeX)
	rhs.Add(rhs, params.B)
	rhs.Mod(rhs, p)

	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(rhs, exp, p)

	if new(big.Int).Exp(y, big.NewInt(2), p).Cmp(rhs) != 0 {
		return nil
	}
	if odd != (y.Bit(0) == 1) {
		y.Sub(p, y)
	}
	return y
}
