package envelope

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

var errClosed = fmt.Errorf("key manager: closed: %w", common.ErrShuttingDown)

// KeyManager is the key-management boundary: it wraps and unwraps per-blob data keys
// under a master key it never hands out.
type KeyManager interface {
	Wrap(ctx context.Context, dataKey []byte) (wrapped []byte, version int, err error)
	Unwrap(ctx context.Context, wrapped []byte, version int) ([]byte, error)
}

// LocalKeyManager wraps data keys with XChaCha20-Poly1305 under versioned in-process master keys.
// Wrap always uses the current version; Unwrap accepts any registered version.
type LocalKeyManager struct {
	mu         sync.RWMutex
	currentVer int
	keys       map[int][]byte
	closed     bool
}

// NewLocalKeyManager creates a key manager whose current master key is masterKey.
func NewLocalKeyManager(masterKey []byte, version int) (*LocalKeyManager, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key manager: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	if version < 1 {
		return nil, fmt.Errorf("key manager: version must be positive, got %d", version)
	}
	k := make([]byte, len(masterKey))
	copy(k, masterKey)
	return &LocalKeyManager{
		currentVer: version,
		keys:       map[int][]byte{version: k},
	}, nil
}

// AddPreviousKey registers a retired master key so blobs wrapped under it stay readable.
func (m *LocalKeyManager) AddPreviousKey(key []byte, version int) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("key manager: previous key v%d: must be %d bytes", version, chacha20poly1305.KeySize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == m.currentVer {
		return fmt.Errorf("key manager: version %d is the current key", version)
	}
	k := make([]byte, len(key))
	copy(k, key)
	m.keys[version] = k
	return nil
}

// CurrentVersion returns the version new data keys are wrapped under.
func (m *LocalKeyManager) CurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentVer
}

func (m *LocalKeyManager) Wrap(_ context.Context, dataKey []byte) ([]byte, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, errClosed
	}
	aead, err := chacha20poly1305.NewX(m.keys[m.currentVer])
	if err != nil {
		return nil, 0, fmt.Errorf("key manager: create aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("key manager: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, dataKey, versionAAD(m.currentVer)), m.currentVer, nil
}

func (m *LocalKeyManager) Unwrap(_ context.Context, wrapped []byte, version int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	key, ok := m.keys[version]
	if !ok {
		return nil, fmt.Errorf("key manager: no master key for version %d: %w", version, common.ErrIntegrity)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("key manager: create aead: %w", err)
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("key manager: wrapped key too short: %w", common.ErrIntegrity)
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	dataKey, err := aead.Open(nil, nonce, ct, versionAAD(version))
	if err != nil {
		return nil, fmt.Errorf("key manager: unwrap: %w", common.ErrIntegrity)
	}
	return dataKey, nil
}

// Close zeroes the master keys. Further Wrap/Unwrap calls fail.
func (m *LocalKeyManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, k := range m.keys {
		for i := range k {
			k[i] = 0
		}
		delete(m.keys, v)
	}
	m.closed = true
	return nil
}

func versionAAD(version int) []byte {
	return []byte("faxrelay-kek-v" + strconv.Itoa(version))
}

// ParseVersionedKey parses "version:hexkey" as used by storage.previous_keys.
func ParseVersionedKey(s string) (int, []byte, error) {
	verStr, keyHex, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, nil, fmt.Errorf("versioned key: expected version:hex")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(verStr, "v"))
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("versioned key: invalid version %q", verStr)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return 0, nil, fmt.Errorf("versioned key v%d: not hex", version)
	}
	return version, key, nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
