// Package scylla backs lock.Manager with a ScyllaDB table. Acquisition is a
// lightweight transaction (INSERT ... IF NOT EXISTS) with a row TTL, so a
// crashed holder releases the lock when the row expires.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/scylladb/gocqlx/v2"
	"github.com/scylladb/gocqlx/v2/qb"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/lock"
)

const defaultTable = "processing_locks"

// Config describes the cluster and table holding lock rows.
type Config struct {
	Hosts       []string
	Keyspace    string
	Table       string
	Consistency string
	TTL         time.Duration
	Timeout     time.Duration
}

// Manager is a lock.Manager on ScyllaDB.
type Manager struct {
	session gocqlx.Session
	table   string
	ttl     time.Duration
	logger  *zap.Logger

	insertStmt  string
	insertNames []string
	selectStmt  string
	selectNames []string
	deleteStmt  string
	deleteNames []string
}

var _ lock.Manager = (*Manager)(nil)

// Connect opens a session against cfg.Hosts, creates the lock table if needed
// and returns a Manager.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("scylla lock: at least one host is required")
	}
	if cfg.Keyspace == "" {
		return nil, errors.New("scylla lock: keyspace is required")
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.SerialConsistency = gocql.LocalSerial
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, fmt.Errorf("scylla lock: %w", err)
		}
		cluster.Consistency = c
	}

	session, err := gocqlx.WrapSession(cluster.CreateSession())
	if err != nil {
		return nil, fmt.Errorf("failed to create ScyllaDB session: %w", err)
	}
	m := New(session, cfg.Table, cfg.TTL, logger)
	if err := m.CreateTable(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return m, nil
}

// New wraps an existing session.
func New(session gocqlx.Session, table string, ttl time.Duration, logger *zap.Logger) *Manager {
	if table == "" {
		table = defaultTable
	}
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{session: session, table: table, ttl: ttl, logger: logger.Named("lock.scylla")}
	m.insertStmt, m.insertNames = insertQuery(table, ttl)
	m.selectStmt, m.selectNames = selectQuery(table)
	m.deleteStmt, m.deleteNames = deleteQuery(table)
	return m
}

func insertQuery(table string, ttl time.Duration) (string, []string) {
	return qb.Insert(table).Columns("key", "holder", "acquired_at").Unique().TTL(ttl).ToCql()
}

func selectQuery(table string) (string, []string) {
	return qb.Select(table).Columns("holder").Where(qb.Eq("key")).ToCql()
}

func deleteQuery(table string) (string, []string) {
	return qb.Delete(table).Where(qb.Eq("key")).If(qb.Eq("holder")).ToCql()
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key text PRIMARY KEY,
	holder text,
	acquired_at timestamp
)`, table)
}

// CreateTable creates the lock table if it does not exist.
func (m *Manager) CreateTable(ctx context.Context) error {
	if err := m.session.ContextQuery(ctx, createTableQuery(m.table), nil).ExecRelease(); err != nil {
		return fmt.Errorf("failed to create lock table %s: %w", m.table, err)
	}
	return nil
}

func (m *Manager) TryLock(ctx context.Context, key string) (string, bool, error) {
	holder := uuid.NewString()
	q := m.session.ContextQuery(ctx, m.insertStmt, m.insertNames).BindMap(qb.M{
		"key":         key,
		"holder":      holder,
		"acquired_at": time.Now().UTC(),
	})
	defer q.Release()
	applied, err := q.MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !applied {
		return "", false, nil
	}
	m.logger.Debug("lock acquired", zap.String("key", key), zap.String("holder", holder))
	return holder, true, nil
}

func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	var holder string
	err := m.session.ContextQuery(ctx, m.selectStmt, m.selectNames).
		BindMap(qb.M{"key": key}).
		GetRelease(&holder)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return true, nil
}

// Unlock deletes the row only while holder still owns it, so a holder whose
// row expired cannot release its successor's lock.
func (m *Manager) Unlock(ctx context.Context, key, holder string) error {
	q := m.session.ContextQuery(ctx, m.deleteStmt, m.deleteNames).
		BindMap(qb.M{"key": key, "holder": holder})
	defer q.Release()
	applied, err := q.MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if !applied {
		m.logger.Debug("lock no longer held", zap.String("key", key), zap.String("holder", holder))
		return nil
	}
	m.logger.Debug("lock released", zap.String("key", key))
	return nil
}

// Close closes the session.
func (m *Manager) Close() {
	m.session.Close()
}
