// Package mysql opens the commitment store on MySQL or MariaDB.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/warp/commitment-engine/store/sqlstore"
)

// Server error numbers.
const (
	erDupEntry        = 1062 // ER_DUP_ENTRY
	erLockWaitTimeout = 1205 // ER_LOCK_WAIT_TIMEOUT
	erLockDeadlock    = 1213 // ER_LOCK_DEADLOCK
)

// MySQL has no CREATE INDEX IF NOT EXISTS, so the index is declared inline.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS commitments (
		id VARCHAR(64) PRIMARY KEY,
		customer_id VARCHAR(255) NOT NULL,
		target_amount VARCHAR(64) NOT NULL,
		discount_percent INTEGER NOT NULL,
		valid_from VARCHAR(40) NOT NULL,
		valid_to VARCHAR(40) NOT NULL,
		status VARCHAR(16) NOT NULL,
		predecessor_id VARCHAR(64),
		balance VARCHAR(64) NOT NULL,
		created_by VARCHAR(255),
		created_at VARCHAR(40) NOT NULL,
		INDEX idx_commitments_customer (customer_id, valid_from)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS purchase_entries (
		commitment_id VARCHAR(64) NOT NULL,
		purchase_id VARCHAR(255) NOT NULL,
		seq INTEGER NOT NULL,
		amount VARCHAR(64) NOT NULL,
		net_amount VARCHAR(64) NOT NULL,
		applied_discount INTEGER NOT NULL,
		removed BOOLEAN NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		PRIMARY KEY (commitment_id, purchase_id)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS active_commitments (
		customer_id VARCHAR(255) PRIMARY KEY,
		commitment_id VARCHAR(64) NOT NULL
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
}

var Dialect = sqlstore.Dialect{
	Name:   "mysql",
	Schema: schema,
	UpsertCommitment: sqlstore.InsertCommitment +
		" ON DUPLICATE KEY UPDATE status = VALUES(status), balance = VALUES(balance)",
	IsUniqueViolation: isDuplicateEntry,
	ReadTx:            sqlstore.ServerReadTx,
	WriteTx:           sqlstore.ServerWriteTx,
	LockRows:          " FOR UPDATE",
	IsConflict:        isConflict,
}

// New opens dsn, which is either a native driver DSN or a mysql:// or
// mariadb:// URL.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	mysqlDSN, err := toMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// toMySQLDSN converts mysql:// and mariadb:// URLs to the driver format.
// Anything else is passed through unchanged.
func toMySQLDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "mariadb://") && !strings.HasPrefix(dsn, "mysql://") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}

	cfg := mysql.NewConfig()
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if cfg.User == "" || cfg.Addr == "" || cfg.DBName == "" {
		return "", fmt.Errorf("incomplete dsn: user, host and database are required")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.InterpolateParams = true
	return cfg.FormatDSN(), nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == erDupEntry
}

func isConflict(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == erLockDeadlock || myErr.Number == erLockWaitTimeout
}
