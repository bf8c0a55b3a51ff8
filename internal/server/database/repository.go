package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// pgTx implements Tx on top of a single pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

const blobColumns = `id, kind, mime_type, content_hash, original_content_hash, size, uploaded_at, namespace, created_by`

func scanBlob(row pgx.Row) (*Blob, error) {
	blob := &Blob{}
	var kind string
	err := row.Scan(
		&blob.ID,
		&kind,
		&blob.MimeType,
		&blob.ContentHash,
		&blob.OriginalContentHash,
		&blob.Size,
		&blob.UploadedAt,
		&blob.Namespace,
		&blob.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan blob: %w", err)
	}
	blob.Kind = BlobKind(kind)
	return blob, nil
}

func (t *pgTx) BlobByID(ctx context.Context, id uuid.UUID) (*Blob, error) {
	return scanBlob(t.tx.QueryRow(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = $1`, id))
}

func (t *pgTx) BlobData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, `SELECT data FROM blobs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load blob data: %w", err)
	}
	return data, nil
}

func (t *pgTx) BlobByContentHash(ctx context.Context, kind BlobKind, hash []byte) (*Blob, error) {
	return scanBlob(t.tx.QueryRow(ctx, `SELECT `+blobColumns+` FROM blobs WHERE kind = $1 AND content_hash = $2`, string(kind), hash))
}

func (t *pgTx) BlobByOriginalHash(ctx context.Context, hash []byte) (*Blob, error) {
	return scanBlob(t.tx.QueryRow(ctx, `SELECT `+blobColumns+` FROM blobs WHERE original_content_hash = $1`, hash))
}

func (t *pgTx) InsertBlob(ctx context.Context, blob *Blob) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blobs (
			id, kind, mime_type, content_hash, original_content_hash,
			size, data, uploaded_at, namespace, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		blob.ID,
		string(blob.Kind),
		blob.MimeType,
		blob.ContentHash,
		blob.OriginalContentHash,
		blob.Size,
		blob.Data,
		blob.UploadedAt,
		blob.Namespace,
		blob.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteBlob(ctx context.Context, id uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM allowed_regions WHERE blob_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete allowed regions: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM derived_artifacts WHERE blob_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete derived artifacts: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UnreferencedBlobs(ctx context.Context, uploadedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT b.id FROM blobs b
		WHERE b.uploaded_at < $1
		  AND NOT EXISTS (SELECT 1 FROM links l WHERE l.blob_id = b.id)
		ORDER BY b.uploaded_at
		LIMIT $2
	`, uploadedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unreferenced blobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unreferenced blob: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) CountLinks(ctx context.Context, blobID uuid.UUID) (int64, error) {
	var count int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM links WHERE blob_id = $1`, blobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return count, nil
}

func (t *pgTx) HasLinkTo(ctx context.Context, namespace string, blobID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM links WHERE namespace = $1 AND blob_id = $2)`,
		namespace, blobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check link ownership: %w", err)
	}
	return exists, nil
}

const linkColumns = `id, namespace, folder, file, blob_id, created_at, created_by`

func scanLink(row pgx.Row) (*Link, error) {
	link := &Link{}
	err := row.Scan(
		&link.ID,
		&link.Namespace,
		&link.Folder,
		&link.File,
		&link.BlobID,
		&link.CreatedAt,
		&link.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}
	return link, nil
}

func (t *pgTx) LinkByPath(ctx context.Context, namespace, folder, file string) (*Link, error) {
	return scanLink(t.tx.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links WHERE namespace = $1 AND folder = $2 AND file = $3`,
		namespace, folder, file,
	))
}

func (t *pgTx) ListLinks(ctx context.Context, namespace string, kind BlobKind) ([]Link, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT l.id, l.namespace, l.folder, l.file, l.blob_id, l.created_at, l.created_by
		FROM links l JOIN blobs b ON b.id = l.blob_id
		WHERE l.namespace = $1 AND ($2 = '' OR b.kind = $2)
		ORDER BY l.folder, l.file
	`, namespace, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

func (t *pgTx) InsertLink(ctx context.Context, link *Link) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO links (id, namespace, folder, file, blob_id, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		link.ID,
		link.Namespace,
		link.Folder,
		link.File,
		link.BlobID,
		link.CreatedAt,
		link.CreatedBy,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteLink(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM links WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) RegionExists(ctx context.Context, blobID uuid.UUID, r Region) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM allowed_regions
			WHERE blob_id = $1 AND x = $2 AND y = $3 AND width = $4 AND height = $5
		)
	`, blobID, r.X, r.Y, r.Width, r.Height).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check allowed region: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListRegions(ctx context.Context, blobID uuid.UUID) ([]AllowedRegion, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT x, y, width, height, created_at FROM allowed_regions
		WHERE blob_id = $1 ORDER BY id
	`, blobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allowed regions: %w", err)
	}
	defer rows.Close()

	var regions []AllowedRegion
	for rows.Next() {
		ar := AllowedRegion{BlobID: blobID}
		if err := rows.Scan(&ar.Region.X, &ar.Region.Y, &ar.Region.Width, &ar.Region.Height, &ar.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allowed region: %w", err)
		}
		regions = append(regions, ar)
	}
	return regions, rows.Err()
}

func (t *pgTx) InsertRegion(ctx context.Context, ar AllowedRegion) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO allowed_regions (blob_id, x, y, width, height, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, ar.BlobID, ar.Region.X, ar.Region.Y, ar.Region.Width, ar.Region.Height, ar.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert allowed region: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteRegion(ctx context.Context, blobID uuid.UUID, r Region) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM allowed_regions
		WHERE blob_id = $1 AND x = $2 AND y = $3 AND width = $4 AND height = $5
	`, blobID, r.X, r.Y, r.Width, r.Height)
	if err != nil {
		return fmt.Errorf("failed to delete allowed region: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteRegions(ctx context.Context, blobID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM allowed_regions WHERE blob_id = $1`, blobID); err != nil {
		return fmt.Errorf("failed to delete allowed regions: %w", err)
	}
	return nil
}

// keyArgs flattens the nullable parts of an artifact key into column values.
func keyArgs(key ArtifactKey) (x, y, w, h, size *int) {
	if key.Crop != nil {
		x, y, w, h = &key.Crop.X, &key.Crop.Y, &key.Crop.Width, &key.Crop.Height
	}
	return x, y, w, h, key.Size
}

func (t *pgTx) ArtifactByKey(ctx context.Context, key ArtifactKey) (*DerivedArtifact, error) {
	x, y, w, h, size := keyArgs(key)
	artifact := &DerivedArtifact{Key: key}
	err := t.tx.QueryRow(ctx, `
		SELECT id, data, created_at FROM derived_artifacts
		WHERE blob_id = $1 AND mime_type = $2
		  AND crop_x IS NOT DISTINCT FROM $3
		  AND crop_y IS NOT DISTINCT FROM $4
		  AND crop_width IS NOT DISTINCT FROM $5
		  AND crop_height IS NOT DISTINCT FROM $6
		  AND size IS NOT DISTINCT FROM $7
	`, key.BlobID, key.MimeType, x, y, w, h, size).Scan(&artifact.ID, &artifact.Data, &artifact.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get derived artifact: %w", err)
	}
	return artifact, nil
}

func (t *pgTx) InsertArtifact(ctx context.Context, artifact *DerivedArtifact) error {
	x, y, w, h, size := keyArgs(artifact.Key)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO derived_artifacts (
			blob_id, mime_type, crop_x, crop_y, crop_width, crop_height, size, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`,
		artifact.Key.BlobID,
		artifact.Key.MimeType,
		x, y, w, h, size,
		artifact.Data,
		artifact.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert derived artifact: %w", err)
	}
	return nil
}

const tokenColumns = `id, secret_hash, description, namespace, created_at`

func scanToken(row pgx.Row) (*AuthorizationToken, error) {
	token := &AuthorizationToken{}
	err := row.Scan(&token.ID, &token.SecretHash, &token.Description, &token.Namespace, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	return token, nil
}

func (t *pgTx) TokenByID(ctx context.Context, id uuid.UUID) (*AuthorizationToken, error) {
	return scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM authorization_tokens WHERE id = $1`, id))
}

func (t *pgTx) TokenByNamespace(ctx context.Context, namespace string) (*AuthorizationToken, error) {
	return scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM authorization_tokens WHERE namespace = $1`, namespace))
}

func (t *pgTx) InsertToken(ctx context.Context, token *AuthorizationToken) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO authorization_tokens (id, secret_hash, description, namespace, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.SecretHash, token.Description, token.Namespace, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}
