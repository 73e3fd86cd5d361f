package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect carries the SQL differences between database engines.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on open. Every statement
	// must be idempotent.
	Schema []string

	// UpsertCommitment inserts a commitments row or updates status and
	// balance on primary key conflict. Columns follow CommitmentColumns.
	UpsertCommitment string

	// Numbered placeholders ($1, $2, ...) instead of ?.
	NumberedPlaceholders bool

	// IsUniqueViolation reports primary key or unique index conflicts.
	IsUniqueViolation func(error) bool

	// SerializeWrites makes the store hold a process-wide write lock around
	// transactions. Needed for engines with a single writer (SQLite).
	SerializeWrites bool

	// ReadTx and WriteTx are the options for ReadTx and WithTx. Nil means
	// the driver default. Reads need a snapshot that spans statements;
	// writes need every statement to see the latest committed rows once
	// LockRows has waited for them.
	ReadTx  *sql.TxOptions
	WriteTx *sql.TxOptions

	// LockRows is appended to commitments SELECTs inside WithTx, e.g.
	// " FOR UPDATE". Writers on the same customer then queue on its rows
	// instead of overwriting each other's purchase logs.
	LockRows string

	// IsConflict reports serialization failures and deadlocks. WithTx
	// reports them as commitment.ErrConcurrentModification.
	IsConflict func(error) bool
}

// ServerReadTx is the read snapshot used by client/server engines.
var ServerReadTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// ServerWriteTx is the write isolation used together with LockRows.
var ServerWriteTx = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// CommitmentColumns is the column order used by UpsertCommitment and by
// every commitments SELECT.
const CommitmentColumns = "id, customer_id, target_amount, discount_percent, valid_from, valid_to, " +
	"status, predecessor_id, balance, created_by, created_at"

// InsertCommitment is the shared INSERT prefix dialects extend with their
// conflict clause.
const InsertCommitment = "INSERT INTO commitments (" + CommitmentColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

// StandardSchema works unchanged on SQLite and PostgreSQL.
var StandardSchema = []string{
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
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commitments_customer
		ON commitments(customer_id, valid_from)`,
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
	)`,
	// One row per customer: the primary key is what enforces a single
	// Active commitment across concurrent writers.
	`CREATE TABLE IF NOT EXISTS active_commitments (
		customer_id VARCHAR(255) PRIMARY KEY,
		commitment_id VARCHAR(64) NOT NULL
	)`,
}

// StandardUpsert is the ON CONFLICT form shared by SQLite and PostgreSQL.
const StandardUpsert = InsertCommitment +
	" ON CONFLICT (id) DO UPDATE SET status = excluded.status, balance = excluded.balance"

func (d Dialect) rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
