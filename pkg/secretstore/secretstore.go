// Package secretstore implements SS: an opaque key/value store for
// credentials and webhook tokens, encrypted at rest with AES-GCM and
// scoped to the services allowed to read each secret.
//
// Grounded on the teacher's infrastructure/secrets manager: same cipher
// construction and master-key normalization, generalized from a single
// Supabase-backed secret table to the engine's document store and
// widened with a per-secret TTL.
package secretstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

const collection = "secrets"

// Record is the persisted, encrypted form of a secret.
type Record struct {
	Ciphertext      []byte    `json:"ciphertext"`
	AllowedServices []string  `json:"allowed_services"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Store is the SS handle.
type Store struct {
	ds        *documentstore.Store
	masterKey []byte
}

// New constructs a Store. rawKey must decode to 32 bytes, either as raw
// bytes or as a 64-character hex string.
func New(ds *documentstore.Store, rawKey []byte) (*Store, error) {
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	return &Store{ds: ds, masterKey: key}, nil
}

// aeadFor derives a per-secret AEAD from the master key and the
// secret's document key via HKDF-SHA256, so every secret is sealed
// under a distinct key instead of reusing one AES-GCM key (and its
// nonce space) across the whole store.
func (s *Store) aeadFor(key string) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	r := hkdf.New(sha256.New, s.masterKey, nil, []byte("secretstore:"+key))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "secretstore: derive key")
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "secretstore: cipher init")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "secretstore: gcm init")
	}
	return aead, nil
}

// Put encrypts value and stores it under key, scoped to allowedServices
// and expiring at expiresAt (zero means no expiry).
func (s *Store) Put(ctx context.Context, key string, value string, allowedServices []string, expiresAt time.Time) error {
	ciphertext, err := s.encrypt(key, value)
	if err != nil {
		return err
	}
	rec := Record{
		Ciphertext:      ciphertext,
		AllowedServices: allowedServices,
		CreatedAt:       time.Now(),
		ExpiresAt:       expiresAt,
	}
	return documentstore.Put(ctx, s.ds, collection, key, "", rec)
}

// Get decrypts and returns the secret at key, if serviceID is permitted
// to read it and the secret has not expired.
func (s *Store) Get(ctx context.Context, key, serviceID string) (string, error) {
	if serviceID == "" {
		return "", internalerrors.Forbidden("secretstore: service id required")
	}
	rec, _, err := documentstore.Get[Record](ctx, s.ds, collection, key)
	if err != nil {
		return "", err
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return "", internalerrors.NotFound("secret", key)
	}
	if !serviceAllowed(serviceID, rec.AllowedServices) {
		return "", internalerrors.Forbidden(fmt.Sprintf("secretstore: %s not permitted to read %s", serviceID, key))
	}
	return s.decrypt(key, rec.Ciphertext)
}

// Delete removes the secret at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return documentstore.Delete(ctx, s.ds, collection, key)
}

func (s *Store) encrypt(key, value string) ([]byte, error) {
	aead, err := s.aeadFor(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "secretstore: nonce")
	}
	ciphertext := aead.Seal(nil, nonce, []byte(value), nil)
	return append(nonce, ciphertext...), nil
}

func (s *Store) decrypt(key string, raw []byte) (string, error) {
	aead, err := s.aeadFor(key)
	if err != nil {
		return "", err
	}
	ns := aead.NonceSize()
	if len(raw) < ns+1 {
		return "", internalerrors.Internal("secretstore: invalid ciphertext", nil)
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", internalerrors.Wrap(err, internalerrors.KindInternal, "secretstore: decrypt")
	}
	return string(plain), nil
}

func normalizeMasterKey(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, internalerrors.Validation("secretstore: master key is required")
	}
	if isHex(trimmed) {
		decoded, err := hex.DecodeString(trimmed)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}
	return nil, internalerrors.Validation("secretstore: master key must be 32 bytes or 64 hex chars")
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func serviceAllowed(serviceID string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, svc := range allowed {
		if svc == serviceID {
			return true
		}
	}
	return false
}
