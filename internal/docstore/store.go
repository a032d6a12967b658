package docstore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// Auditor authorizes access and records what happened.
type Auditor interface {
	Authorize(ctx context.Context, actor entity.Actor, action constants.Action, resource string) error
	Record(ctx context.Context, ev audit.Event) error
}

// Store is the content-addressed, encrypted-at-rest document store.
type Store struct {
	blobs   repository.BlobRepository
	sealer  *envelope.Sealer
	auditor Auditor
	log     *slog.Logger
}

func New(blobs repository.BlobRepository, sealer *envelope.Sealer, auditor Auditor, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{blobs: blobs, sealer: sealer, auditor: auditor, log: log}
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its ref. Storing identical content again returns the same ref.
func (s *Store) Put(ctx context.Context, actor entity.Actor, data []byte, kind constants.DocumentKind, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("put: empty document: %w", common.ErrInvalidInput)
	}
	ref := Ref(data)
	if err := s.auditor.Authorize(ctx, actor, constants.ActionIngestDocument, ref); err != nil {
		return "", err
	}

	exists, err := s.blobs.Exists(ctx, ref)
	if err != nil {
		return "", s.fail(ctx, actor, "document.put", ref, err)
	}
	if exists {
		s.log.Info("docstore.put.dedup", "ref", ref)
		return ref, s.auditor.Record(ctx, audit.Event{Actor: actor, Action: "document.put", Resource: ref, Outcome: constants.OutcomeSuccess, Detail: "deduplicated"})
	}

	sealed, err := s.sealer.Seal(ctx, data, []byte(ref))
	if err != nil {
		return "", s.fail(ctx, actor, "document.put", ref, err)
	}
	blob := &entity.SealedBlob{
		DocumentBlob: entity.DocumentBlob{
			Ref:         ref,
			Kind:        kind,
			ContentType: contentType,
			Size:        int64(len(data)),
			KeyVersion:  sealed.KeyVersion,
		},
		Ciphertext: sealed.Ciphertext,
		WrappedKey: sealed.WrappedKey,
	}
	created, err := s.blobs.Insert(ctx, blob)
	if err != nil {
		return "", s.fail(ctx, actor, "document.put", ref, err)
	}
	detail := "stored"
	if !created {
		// a concurrent Put of the same content won the insert
		detail = "deduplicated"
	}
	s.log.Info("docstore.put.ok", "ref", ref, "size", len(data), "kind", kind)
	return ref, s.auditor.Record(ctx, audit.Event{Actor: actor, Action: "document.put", Resource: ref, Outcome: constants.OutcomeSuccess, Detail: detail})
}

// Get returns the plaintext for ref. Decryption failures and digest mismatches are
// reported as common.ErrIntegrity; no partial data is ever returned.
func (s *Store) Get(ctx context.Context, actor entity.Actor, ref string) ([]byte, error) {
	if err := s.auditor.Authorize(ctx, actor, constants.ActionReadDocument, ref); err != nil {
		return nil, err
	}
	blob, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, s.fail(ctx, actor, "document.get", ref, err)
	}
	plaintext, err := s.sealer.Open(ctx, envelope.Sealed{
		Ciphertext: blob.Ciphertext,
		WrappedKey: blob.WrappedKey,
		KeyVersion: blob.KeyVersion,
	}, []byte(ref))
	if err != nil {
		return nil, s.fail(ctx, actor, "document.get", ref, err)
	}
	if subtle.ConstantTimeCompare([]byte(Ref(plaintext)), []byte(ref)) != 1 {
		return nil, s.fail(ctx, actor, "document.get", ref, fmt.Errorf("digest mismatch: %w", common.ErrIntegrity))
	}
	if err := s.auditor.Record(ctx, audit.Event{Actor: actor, Action: "document.get", Resource: ref, Outcome: constants.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Purge deletes the blob behind ref.
func (s *Store) Purge(ctx context.Context, actor entity.Actor, ref string) error {
	if err := s.auditor.Authorize(ctx, actor, constants.ActionPurgeDocument, ref); err != nil {
		return err
	}
	deleted, err := s.blobs.Delete(ctx, ref)
	if err != nil {
		return s.fail(ctx, actor, "document.purge", ref, err)
	}
	if !deleted {
		return s.fail(ctx, actor, "document.purge", ref, fmt.Errorf("blob %s: %w", ref, common.ErrNotFound))
	}
	s.log.Info("docstore.purge.ok", "ref", ref, "actor", actor.ID)
	return s.auditor.Record(ctx, audit.Event{Actor: actor, Action: "document.purge", Resource: ref, Outcome: constants.OutcomeSuccess})
}

func (s *Store) fail(ctx context.Context, actor entity.Actor, action, ref string, cause error) error {
	kind := common.Kind(cause)
	if errors.Is(cause, common.ErrIntegrity) {
		s.log.Error("docstore.integrity.failed", "ref", ref, "action", action)
	} else {
		s.log.Warn("docstore.op.failed", "ref", ref, "action", action, "kind", kind)
	}
	if err := s.auditor.Record(ctx, audit.Event{Actor: actor, Action: action, Resource: ref, Outcome: constants.OutcomeFailure, Detail: kind}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
