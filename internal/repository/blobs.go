package repository

import (
	"context"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

type BlobRepository interface {
	// Insert stores a sealed blob unless its ref already exists; created reports which happened.
	Insert(ctx context.Context, blob *entity.SealedBlob) (created bool, err error)
	Get(ctx context.Context, ref string) (*entity.SealedBlob, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) (bool, error)
}

type blobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewBlobRepository(db *DB, log *slog.Logger) BlobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &blobRepo{db: db, log: log}
}

func (r *blobRepo) Insert(ctx context.Context, b *entity.SealedBlob) (bool, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = dbNow()
	}
	q := r.db.builder().Insert(DocumentBlobsTable.Name).
		Columns("ref", "kind", "content_type", "size", "key_version", "wrapped_key", "ciphertext", "created_at").
		Values(b.Ref, string(b.Kind), b.ContentType, b.Size, b.KeyVersion, b.WrappedKey, b.Ciphertext, b.CreatedAt.UTC()).
		OnConflict(entsql.ConflictColumns("ref"), entsql.DoNothing())
	n, err := r.db.exec(ctx, q)
	if err != nil {
		r.log.Error("document_blob insert failed", "ref", b.Ref, "err", err)
		return false, fmt.Errorf("insert blob: %w", err)
	}
	return n > 0, nil
}

func (r *blobRepo) Get(ctx context.Context, ref string) (*entity.SealedBlob, error) {
	q := r.db.builder().Select("ref", "kind", "content_type", "size", "key_version", "wrapped_key", "ciphertext", "created_at").
		From(entsql.Table(DocumentBlobsTable.Name)).
		Where(entsql.EQ("ref", ref))
	var out *entity.SealedBlob
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		var (
			b       entity.SealedBlob
			kind    string
			created scanTime
		)
		if err := rows.Scan(&b.Ref, &kind, &b.ContentType, &b.Size, &b.KeyVersion, &b.WrappedKey, &b.Ciphertext, &created); err != nil {
			return err
		}
		b.Kind = constants.DocumentKind(kind)
		b.CreatedAt = created.T
		out = &b
		return nil
	})
	if err != nil {
		r.log.Error("document_blob get failed", "ref", ref, "err", err)
		return nil, fmt.Errorf("get blob: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("blob %s: %w", ref, common.ErrNotFound)
	}
	return out, nil
}

func (r *blobRepo) Exists(ctx context.Context, ref string) (bool, error) {
	q := r.db.builder().Select("ref").
		From(entsql.Table(DocumentBlobsTable.Name)).
		Where(entsql.EQ("ref", ref))
	found := false
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("blob exists: %w", err)
	}
	return found, nil
}

func (r *blobRepo) Delete(ctx context.Context, ref string) (bool, error) {
	q := r.db.builder().Delete(DocumentBlobsTable.Name).Where(entsql.EQ("ref", ref))
	n, err := r.db.exec(ctx, q)
	if err != nil {
		r.log.Error("document_blob delete failed", "ref", ref, "err", err)
		return false, fmt.Errorf("delete blob: %w", err)
	}
	if n > 0 {
		r.log.Info("document_blob deleted", "ref", ref)
	}
	return n > 0, nil
}
