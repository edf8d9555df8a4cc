package profilecache

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	KeyProfile   = "user_profile"
	KeyCheckTime = "profile_check_time"
	KeyOwnerID   = "profile_user_id"
)

var recordKeys = []string{KeyProfile, KeyCheckTime, KeyOwnerID}

// Storage is a namespaced string key-value store.
type Storage interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace string, keys ...string) error
}

// MemoryStorage is a process-local Storage. Values are lost on restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]map[string]string{}}
}

func (m *MemoryStorage) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[namespace][key]
	return value, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.values[namespace]
	if !ok {
		bucket = map[string]string{}
		m.values[namespace] = bucket
	}
	bucket[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, namespace string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.values[namespace]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(bucket, key)
	}
	if len(bucket) == 0 {
		delete(m.values, namespace)
	}
	return nil
}

type pgQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PostgresStorage keeps values in the "ClientStorage" table.
type PostgresStorage struct {
	db pgQuerier
}

// NewPostgresStorage expects the "ClientStorage" table created by
// db.AutoMigrate.
func NewPostgresStorage(db pgQuerier) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (p *PostgresStorage) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(
		ctx,
		`SELECT value FROM "ClientStorage" WHERE namespace = $1 AND key = $2`,
		namespace,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *PostgresStorage) Set(ctx context.Context, namespace, key, value string) error {
	_, err := p.db.Exec(
		ctx,
		`INSERT INTO "ClientStorage" (namespace, key, value, "updatedAt")
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET value = EXCLUDED.value, "updatedAt" = NOW()`,
		namespace,
		key,
		value,
	)
	return err
}

func (p *PostgresStorage) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.db.Exec(
		ctx,
		`DELETE FROM "ClientStorage" WHERE namespace = $1 AND key = ANY($2::text[])`,
		namespace,
		keys,
	)
	return err
}

func normalizeNamespace(namespace string) string {
	return strings.TrimSpace(namespace)
}
