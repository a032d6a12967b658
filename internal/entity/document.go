package entity

import (
	"time"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// DocumentBlob describes an encrypted, content-addressed document.
// Ref is the hex SHA-256 of the plaintext.
type DocumentBlob struct {
	Ref         string                 `json:"ref"`
	Kind        constants.DocumentKind `json:"kind"`
	ContentType string                 `json:"content_type"`
	Size        int64                  `json:"size"`
	KeyVersion  int                    `json:"key_version"`
	CreatedAt   time.Time              `json:"created_at"`
}

// SealedBlob is the stored form of a document: ciphertext plus its wrapped data key.
type SealedBlob struct {
	DocumentBlob
	Ciphertext []byte
	WrappedKey []byte
}
