package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/italolelis/skillbridge_offline/internal/storage"
)

// Partition is a storage.KV backed by the rows of the kv table sharing one
// partition name.
type Partition struct {
	db   *sqlx.DB
	name string
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

func (p *Partition) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := p.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE partition = ? AND key = ?`, p.name, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, storage.Wrap(p.name, "get", key, err)
	}

	return value, nil
}

func (p *Partition) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv (partition, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, p.name, key, value, time.Now().UTC())

	return storage.Wrap(p.name, "set", key, err)
}

func (p *Partition) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv WHERE partition = ? AND key = ?`, p.name, key)

	return storage.Wrap(p.name, "delete", key, err)
}

// Keys lists the keys of the partition in ascending order.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	err := p.db.SelectContext(ctx, &keys, `SELECT key FROM kv WHERE partition = ? ORDER BY key`, p.name)
	if err != nil {
		return nil, storage.Wrap(p.name, "list", "", err)
	}

	return keys, nil
}
