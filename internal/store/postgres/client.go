// Package postgres implements internal/store against Postgres via
// database/sql and lib/pq: connection pooling, embedded migrations, and a
// thin Tx wrapper over *sql.Tx.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/depinlabs/storage-aggregator/internal/config"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Querier is satisfied by both *sql.DB and *sql.Tx, letting repositories be
// constructed once and reused unchanged inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Client owns the pooled connection and exposes Store.
type Client struct {
	db     *sql.DB
	logger *log.Logger

	users        *UserRepository
	providers    *ProviderRepository
	plans        *PlanRepository
	orders       *OrderRepository
	payments     *PaymentRepository
	transactions *TxRepository
	syncLogs     *SyncLogRepository
	systemConfig *SystemConfigRepository
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient opens a pooled connection and runs embedded migrations.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	c := &Client{
		logger: log.New(log.Writer(), "[store] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)
	c.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	c.wireRepositories(db)

	c.logger.Printf("connected to database (max_conns=%d, min_conns=%d)", cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	return c, nil
}

func (c *Client) wireRepositories(q Querier) {
	c.users = NewUserRepository(q)
	c.providers = NewProviderRepository(q)
	c.plans = NewPlanRepository(q)
	c.orders = NewOrderRepository(q)
	c.payments = NewPaymentRepository(q)
	c.transactions = NewTxRepository(q)
	c.syncLogs = NewSyncLogRepository(q)
	c.systemConfig = NewSystemConfigRepository(q)
}

func (c *Client) Users() store.UserStore               { return c.users }
func (c *Client) Providers() store.ProviderStore        { return c.providers }
func (c *Client) Plans() store.PlanStore                { return c.plans }
func (c *Client) Orders() store.OrderStore              { return c.orders }
func (c *Client) Payments() store.PaymentStore          { return c.payments }
func (c *Client) Transactions() store.TxStore           { return c.transactions }
func (c *Client) SyncLogs() store.SyncLogStore          { return c.syncLogs }
func (c *Client) SystemConfig() store.SystemConfigStore { return c.systemConfig }

func (c *Client) Close() error { return c.db.Close() }

// txHandle implements store.Tx, wiring repositories against the same
// *sql.Tx so every mutation inside BeginTx's callback is serialized in one
// transaction.
type txHandle struct {
	tx *sql.Tx

	users        *UserRepository
	providers    *ProviderRepository
	plans        *PlanRepository
	orders       *OrderRepository
	payments     *PaymentRepository
	transactions *TxRepository
}

func (t *txHandle) Users() store.UserStore        { return t.users }
func (t *txHandle) Providers() store.ProviderStore { return t.providers }
func (t *txHandle) Plans() store.PlanStore         { return t.plans }
func (t *txHandle) Orders() store.OrderStore       { return t.orders }
func (t *txHandle) Payments() store.PaymentStore   { return t.payments }
func (t *txHandle) Transactions() store.TxStore    { return t.transactions }
func (t *txHandle) Commit() error                  { return t.tx.Commit() }
func (t *txHandle) Rollback() error                { return t.tx.Rollback() }

// BeginTx runs fn inside one serializable transaction, committing on a nil
// return and rolling back otherwise (including on panic).
func (c *Client) BeginTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	h := &txHandle{
		tx:           sqlTx,
		users:        NewUserRepository(sqlTx),
		providers:    NewProviderRepository(sqlTx),
		plans:        NewPlanRepository(sqlTx),
		orders:       NewOrderRepository(sqlTx),
		payments:     NewPaymentRepository(sqlTx),
		transactions: NewTxRepository(sqlTx),
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(h); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migration support.

type migration struct {
	Version string
	SQL      string
}

func (c *Client) getMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: e.Name(), SQL: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (c *Client) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return err
	}

	applied := map[string]bool{}
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	migrations, err := c.getMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := c.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
		c.logger.Printf("applied migration %s", m.Version)
	}
	return nil
}

func (c *Client) applyMigration(ctx context.Context, m migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
