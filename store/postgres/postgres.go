// Package postgres opens the commitment store on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/warp/commitment-engine/store/sqlstore"
)

// SQLSTATE codes.
const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	Schema:               sqlstore.StandardSchema,
	UpsertCommitment:     sqlstore.StandardUpsert,
	NumberedPlaceholders: true,
	IsUniqueViolation:    isUniqueViolation,
	ReadTx:               sqlstore.ServerReadTx,
	WriteTx:              sqlstore.ServerWriteTx,
	LockRows:             " FOR UPDATE",
	IsConflict:           isConflict,
}

// New connects to dsn (a postgres:// URL or key=value string), checks the
// connection and migrates the schema.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}
