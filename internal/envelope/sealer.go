package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// Sealed is ciphertext together with the wrapped data key that opens it.
type Sealed struct {
	Ciphertext []byte
	WrappedKey []byte
	KeyVersion int
}

// Sealer performs envelope encryption: a fresh AES-256-GCM data key per Seal call,
// wrapped by the KeyManager.
type Sealer struct {
	keys KeyManager
}

func NewSealer(keys KeyManager) *Sealer {
	return &Sealer{keys: keys}
}

// Seal encrypts plaintext under a fresh data key. aad is bound to the ciphertext
// and must be presented again to Open.
func (s *Sealer) Seal(ctx context.Context, plaintext, aad []byte) (Sealed, error) {
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return Sealed{}, fmt.Errorf("seal: generate data key: %w", err)
	}
	defer zero(dataKey)

	aead, err := newGCM(dataKey)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("seal: generate nonce: %w", err)
	}

	wrapped, version, err := s.keys.Wrap(ctx, dataKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("seal: wrap data key: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return Sealed{
		Ciphertext: aead.Seal(nonce, nonce, plaintext, aad),
		WrappedKey: wrapped,
		KeyVersion: version,
	}, nil
}

// Open reverses Seal. Any authentication failure is reported as common.ErrIntegrity.
func (s *Sealer) Open(ctx context.Context, sealed Sealed, aad []byte) ([]byte, error) {
	dataKey, err := s.keys.Unwrap(ctx, sealed.WrappedKey, sealed.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("open: unwrap data key: %w", err)
	}
	defer zero(dataKey)

	aead, err := newGCM(dataKey)
	if err != nil {
		return nil, fmt.Errorf("open: %w", common.ErrIntegrity)
	}
	nonceSize := aead.NonceSize()
	if len(sealed.Ciphertext) < nonceSize {
		return nil, fmt.Errorf("open: ciphertext too short: %w", common.ErrIntegrity)
	}
	nonce, ct := sealed.Ciphertext[:nonceSize], sealed.Ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("open: %w", common.ErrIntegrity)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
