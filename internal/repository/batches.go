// Package repository persists processed batches to Postgres for later
// export. The pipeline itself never touches the database; archival is an
// after-the-response concern.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dquispe/comprobantes/constants"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/extract"
)

// BatchRecord is one archived batch header row.
type BatchRecord struct {
	ID             uuid.UUID
	RucConsultante string
	ItemCount      int
	OkCount        int
	Status         constants.ArchiveStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ItemRecord is one archived batch item row. Comp and SunatPayload are
// stored as JSONB so the schema never chases field additions.
type ItemRecord struct {
	ItemIndex    int
	Estado       bool
	Filename     string
	Mime         string
	PageIndex    *int
	SHA256       string
	Comp         *extract.ComprobanteFields
	Mensaje      string
	SunatOK      *bool
	SunatStatus  *int
	SunatPayload json.RawMessage
}

// BatchRepository is the archival port used by the async archiver and the
// export service.
type BatchRepository interface {
	EnsureSchema(ctx context.Context) error
	CreateBatch(ctx context.Context, rec BatchRecord) error
	InsertItems(ctx context.Context, batchID uuid.UUID, items []ItemRecord) error
	UpdateStatus(ctx context.Context, batchID uuid.UUID, status constants.ArchiveStatus, errMsg string) error
	GetBatch(ctx context.Context, id uuid.UUID) (*BatchRecord, error)
	ListItems(ctx context.Context, batchID uuid.UUID) ([]ItemRecord, error)
}

type batchRepository struct {
	db *sql.DB
}

func NewBatchRepository(db *sql.DB) BatchRepository {
	return &batchRepository{db: db}
}

// OpenDB opens the archive database with the pgx stdlib driver.
func OpenDB(cfg common.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *batchRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// serialize bootstrap DDL across concurrent startups
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026053101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS batches (
	id UUID PRIMARY KEY,
	ruc_consultante TEXT NOT NULL DEFAULT '',
	item_count INTEGER NOT NULL DEFAULT 0,
	ok_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	item_index INTEGER NOT NULL,
	estado BOOLEAN NOT NULL,
	filename TEXT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	page_index INTEGER,
	sha256 TEXT NOT NULL DEFAULT '',
	comp JSONB,
	mensaje TEXT NOT NULL DEFAULT '',
	sunat_ok BOOLEAN,
	sunat_status INTEGER,
	sunat_payload JSONB,
	PRIMARY KEY (batch_id, item_index)
);

CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_batch_items_estado ON batch_items(batch_id, estado);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *batchRepository) CreateBatch(ctx context.Context, rec BatchRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO batches (id, ruc_consultante, item_count, ok_count, status, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		rec.ID, rec.RucConsultante, rec.ItemCount, rec.OkCount,
		string(rec.Status), rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *batchRepository) InsertItems(ctx context.Context, batchID uuid.UUID, items []ItemRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin items tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, it := range items {
		var compJSON any
		if it.Comp != nil {
			b, err := json.Marshal(it.Comp)
			if err != nil {
				return fmt.Errorf("marshal comp for item %d: %w", it.ItemIndex, err)
			}
			compJSON = b
		}
		var payload any
		if len(it.SunatPayload) > 0 {
			payload = []byte(it.SunatPayload)
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO batch_items (batch_id, item_index, estado, filename, mime, page_index, sha256, comp, mensaje, sunat_ok, sunat_status, sunat_payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
			batchID, it.ItemIndex, it.Estado, it.Filename, it.Mime, it.PageIndex,
			it.SHA256, compJSON, it.Mensaje, it.SunatOK, it.SunatStatus, payload,
		)
		if err != nil {
			return fmt.Errorf("insert item %d: %w", it.ItemIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit items tx: %w", err)
	}
	return nil
}

func (r *batchRepository) UpdateStatus(ctx context.Context, batchID uuid.UUID, status constants.ArchiveStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE batches SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1
`, batchID, string(status), errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	return nil
}

func (r *batchRepository) GetBatch(ctx context.Context, id uuid.UUID) (*BatchRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, ruc_consultante, item_count, ok_count, status, error_message, created_at, updated_at
FROM batches
WHERE id = $1
`, id)

	var rec BatchRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.RucConsultante, &rec.ItemCount, &rec.OkCount,
		&status, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch not found: %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("query batch: %w", err)
	}
	rec.Status = constants.ArchiveStatus(status)
	return &rec, nil
}

func (r *batchRepository) ListItems(ctx context.Context, batchID uuid.UUID) ([]ItemRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT item_index, estado, filename, mime, page_index, sha256, comp, mensaje, sunat_ok, sunat_status, sunat_payload
FROM batch_items
WHERE batch_id = $1
ORDER BY item_index
`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []ItemRecord
	for rows.Next() {
		var it ItemRecord
		var compRaw, payloadRaw []byte
		err := rows.Scan(
			&it.ItemIndex, &it.Estado, &it.Filename, &it.Mime, &it.PageIndex,
			&it.SHA256, &compRaw, &it.Mensaje, &it.SunatOK, &it.SunatStatus, &payloadRaw,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if len(compRaw) > 0 {
			var comp extract.ComprobanteFields
			if err := json.Unmarshal(compRaw, &comp); err != nil {
				return nil, fmt.Errorf("unmarshal comp for item %d: %w", it.ItemIndex, err)
			}
			it.Comp = &comp
		}
		if len(payloadRaw) > 0 {
			it.SunatPayload = json.RawMessage(payloadRaw)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}
