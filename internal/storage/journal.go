package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

// Journal statuses.
const (
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusSkipped   = "skipped"
)

// Entry is the recorded outcome of one staged file in one turn.
type Entry struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	Pipeline string    `json:"pipeline"`
	UserID   string    `json:"user_id"`
	ChatID   string    `json:"chat_id"`
	FileID   string    `json:"file_id"`
	Filename string    `json:"filename"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	Digest   string    `json:"result_digest,omitempty"`
	Created  time.Time `json:"created_at"`
}

// Journal persists per-file turn outcomes.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EntryFor derives the journal row of a staged file after its turn.
func EntryFor(runID, pipeline string, key models.SessionKey, f *models.StagedFile) Entry {
	e := Entry{
		RunID:    runID,
		Pipeline: pipeline,
		UserID:   key.UserID,
		ChatID:   key.ChatID,
		FileID:   f.ID,
		Filename: f.Filename,
	}
	switch {
	case f.Acceptability != models.Accepted:
		e.Status = StatusRejected
		e.Detail = f.ContentType
	case f.Err != "":
		e.Status = StatusFailed
		e.Detail = f.Err
	case f.Processed():
		e.Status = StatusProcessed
		if digest, err := Digest(f.Result); err == nil {
			e.Digest = digest
		}
	default:
		e.Status = StatusSkipped
	}
	return e
}

// Digest is the sha256 of the RFC 8785 canonical form of a JSON result.
func Digest(result []byte) (string, error) {
	canonical, err := jcs.Transform(result)
	if err != nil {
		return "", fmt.Errorf("canonicalize result: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Record inserts entries in one transaction.
func (j *Journal) Record(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turn_journal (run_id, pipeline, user_id, chat_id, file_id, file_name, status, detail, result_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	now := j.now()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.RunID, e.Pipeline, e.UserID, e.ChatID, e.FileID, e.Filename, e.Status, e.Detail, e.Digest, now); err != nil {
			return fmt.Errorf("insert journal entry %s: %w", e.FileID, err)
		}
	}
	return tx.Commit()
}

// List returns the newest entries for a scope, most recent first.
func (j *Journal) List(ctx context.Context, key models.SessionKey, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, pipeline, user_id, chat_id, file_id, file_name, status, detail, result_digest, created_at
		FROM turn_journal
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, key.UserID, key.ChatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Pipeline, &e.UserID, &e.ChatID, &e.FileID, &e.Filename, &e.Status, &e.Detail, &e.Digest, &e.Created); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
