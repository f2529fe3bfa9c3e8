package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Config configures the MySQL connection pool backing the persistence
// layer (C7).
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// DB wraps *sql.DB with a background health flag, mirroring the teacher's
// connection-pool wrapper.
type DB struct {
	*sql.DB
	cfg    Config
	mu     sync.RWMutex
	health bool
}

var (
	instanceMu sync.Mutex
	instance   *DB
	lastCfg    Config
	everInit   bool
)

func Initialize(cfg Config) error {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil
	}
	db, err := newDB(cfg)
	if err != nil {
		return err
	}
	instance = db
	lastCfg = cfg
	everInit = true
	return nil
}

// Reset drops the shared pool so the next GetDB (or Initialize) call
// reconnects lazily against the last known configuration, used by the
// control surface's re-trigger path (§4.6 step 2: "drop the persistence
// pool so it is reinitialised lazily").
func Reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Close()
	}
	instance = nil
}

// GetDB returns the shared pool, reconnecting against the last
// configuration passed to Initialize if the pool was dropped by Reset.
// It still panics if Initialize has never succeeded once, since that
// means the caller is wired up wrong rather than merely mid-restart.
func GetDB() *DB {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance
	}
	if !everInit {
		panic("database not initialized")
	}
	db, err := newDB(lastCfg)
	if err != nil {
		logger.WithError(err).Error("lazy database reconnect failed")
		panic("database unavailable: " + err.Error())
	}
	instance = db
	return instance
}

func newDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	var sqlDB *sql.DB
	var err error

	for i := 0; i <= cfg.RetryAttempts; i++ {
		sqlDB, err = sql.Open("mysql", dsn)
		if err == nil {
			err = sqlDB.Ping()
			if err == nil {
				break
			}
		}

		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("database connection failed, retrying")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}

	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabase, "failed to connect to database")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	wrapper := &DB{
		DB:     sqlDB,
		cfg:    cfg,
		health: true,
	}

	go wrapper.healthCheck()

	logger.Info("database connection established")
	return wrapper, nil
}

func (db *DB) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.PingContext(ctx)
		cancel()

		db.mu.Lock()
		oldHealth := db.health
		db.health = err == nil
		db.mu.Unlock()

		if oldHealth != db.health {
			if db.health {
				logger.Info("database connection recovered")
			} else {
				logger.WithError(err).Error("database connection lost")
			}
		}
	}
}

func (db *DB) IsHealthy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.health
}

// Transaction runs fn inside a transaction, retrying on errors judged
// retryable by isRetryableError.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i <= db.cfg.RetryAttempts; i++ {
		err = db.transaction(ctx, fn)
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		if i < db.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
				logger.WithField("attempt", i+1).WithError(err).Warn("transaction failed, retrying")
			}
		}
	}

	return apperrors.Wrap(err, apperrors.ErrDatabase, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

var retryableErrors = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"deadlock",
	"try restarting transaction",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, e := range retryableErrors {
		if strings.Contains(errStr, e) {
			return true
		}
	}
	return false
}

// StmtCache is a prepared-statement cache shared across the upsert path
// (§4.5 domain-stack note), grounded on the teacher's own StmtCache.
type StmtCache struct {
	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
	db    *sql.DB
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{
		stmts: make(map[string]*sql.Stmt),
		db:    db,
	}
}

func (c *StmtCache) Prepare(query string) (*sql.Stmt, error) {
	c.mu.RLock()
	stmt, exists := c.stmts[query]
	c.mu.RUnlock()

	if exists {
		return stmt, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, exists := c.stmts[query]; exists {
		return stmt, nil
	}

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	c.stmts[query] = stmt
	return stmt, nil
}

func (c *StmtCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range c.stmts {
		stmt.Close()
	}
	c.stmts = make(map[string]*sql.Stmt)
}
