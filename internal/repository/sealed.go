package repository

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"dailysync/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrSealedValue = errors.New("sealed value is corrupt or was written for another key")

const sealInfo = "dailysync local store v1"

// SealedLocalStore encrypts values with XChaCha20-Poly1305 before handing them
// to the inner store. The user id and key are bound as associated data, so a
// value copied to another slot fails to open.
type SealedLocalStore struct {
	inner domain.LocalStore
	aead  cipher.AEAD
}

// NewSealedLocalStore derives a 256-bit key from secret with HKDF-SHA256.
func NewSealedLocalStore(inner domain.LocalStore, secret string) (*SealedLocalStore, error) {
	if secret == "" {
		return nil, errors.New("encryption key is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &SealedLocalStore{inner: inner, aead: aead}, nil
}

func associatedData(userID, key string) []byte {
	return []byte(userID + "/" + key)
}

func (s *SealedLocalStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, userID, key)
	if err != nil || sealed == nil {
		return sealed, err
	}
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, ErrSealedValue
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], associatedData(userID, key))
	if err != nil {
		return nil, ErrSealedValue
	}
	return plain, nil
}

func (s *SealedLocalStore) Set(ctx context.Context, userID, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, associatedData(userID, key))
	return s.inner.Set(ctx, userID, key, sealed)
}

func (s *SealedLocalStore) Delete(ctx context.Context, userID, key string) error {
	return s.inner.Delete(ctx, userID, key)
}
