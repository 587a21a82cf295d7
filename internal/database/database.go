package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"sendqueue/internal/constants"
	"sendqueue/internal/migrations"
	"sendqueue/internal/models"
	"sendqueue/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database persists queue snapshots in SQLite. Each Save replaces every row
// of its queue key inside one transaction, so the stored queue is always a
// complete snapshot of one mutation.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	key       string
}

func New(dbPath, key string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if err := security.ValidateParentDir(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if key == "" {
		key = constants.DefaultQueueKey
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	closeWith := func(cause error) error {
		if closeErr := db.Close(); closeErr != nil {
			return fmt.Errorf("%w (close error: %v)", cause, closeErr)
		}
		return cause
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := migrations.Apply(context.Background(), db); err != nil {
		return nil, closeWith(fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: enc, key: key}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Load returns the stored queue in order. A key with no rows is an empty queue.
func (d *Database) Load(ctx context.Context) ([]models.QueuedMessage, error) {
	rows, err := d.db.QueryContext(ctx, selectQueueQuery, d.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueuedMessage
	for rows.Next() {
		var (
			msg        models.QueuedMessage
			createdNs  int64
			status     string
			chatTarget string
			text       string
			photo      string
			position   string
		)
		if err := rows.Scan(&msg.ID, &chatTarget, &text, &photo, &position, &createdNs, &status, &msg.Error); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}

		if msg.ChatTarget, err = d.encryptor.Decrypt(chatTarget); err != nil {
			return nil, fmt.Errorf("failed to decrypt chat target: %w", err)
		}
		if msg.Text, err = d.encryptor.Decrypt(text); err != nil {
			return nil, fmt.Errorf("failed to decrypt text: %w", err)
		}
		if msg.Photo, err = d.encryptor.Decrypt(photo); err != nil {
			return nil, fmt.Errorf("failed to decrypt photo: %w", err)
		}
		if msg.Position, err = d.encryptor.Decrypt(position); err != nil {
			return nil, fmt.Errorf("failed to decrypt position: %w", err)
		}

		msg.CreatedAt = time.Unix(0, createdNs).UTC()
		msg.Status = models.Status(status)
		entries = append(entries, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queued messages: %w", err)
	}

	return entries, nil
}

// Save replaces the stored queue with entries. An empty slice removes the key.
func (d *Database) Save(ctx context.Context, entries []models.QueuedMessage) error {
	type row struct {
		msg                               models.QueuedMessage
		chatTarget, text, photo, position string
	}

	// Encrypt before opening the transaction so the write lock is held briefly.
	prepared := make([]row, 0, len(entries))
	for _, msg := range entries {
		if msg.Status == models.StatusSent {
			return fmt.Errorf("refusing to persist sent message %s", msg.ID)
		}
		r := row{msg: msg}
		var err error
		if r.chatTarget, err = d.encryptor.Encrypt(msg.ChatTarget); err != nil {
			return fmt.Errorf("failed to encrypt chat target: %w", err)
		}
		if r.text, err = d.encryptor.Encrypt(msg.Text); err != nil {
			return fmt.Errorf("failed to encrypt text: %w", err)
		}
		if r.photo, err = d.encryptor.Encrypt(msg.Photo); err != nil {
			return fmt.Errorf("failed to encrypt photo: %w", err)
		}
		if r.position, err = d.encryptor.Encrypt(msg.Position); err != nil {
			return fmt.Errorf("failed to encrypt position: %w", err)
		}
		prepared = append(prepared, r)
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, deleteQueueQuery, d.key); err != nil {
			return err
		}

		if len(prepared) > 0 {
			stmt, err := tx.PrepareContext(ctx, insertQueuedMessageQuery)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for seq, r := range prepared {
				if _, err := stmt.ExecContext(ctx,
					d.key, seq, r.msg.ID, r.chatTarget, r.text, r.photo, r.position,
					r.msg.CreatedAt.UnixNano(), string(r.msg.Status), r.msg.Error,
				); err != nil {
					return err
				}
			}
		}

		return tx.Commit()
	}, "save queue")
}

// Keys lists every queue key with stored entries.
func (d *Database) Keys(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, selectQueueKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan queue key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const (
	selectQueueQuery = `
		SELECT id, chat_target, text, photo, position, created_at_ns, status, error
		FROM queued_messages
		WHERE queue_key = ?
		ORDER BY seq ASC
	`

	deleteQueueQuery = `DELETE FROM queued_messages WHERE queue_key = ?`

	insertQueuedMessageQuery = `
		INSERT INTO queued_messages (
			queue_key, seq, id, chat_target, text, photo, position,
			created_at_ns, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectQueueKeysQuery = `SELECT DISTINCT queue_key FROM queued_messages ORDER BY queue_key`
)
