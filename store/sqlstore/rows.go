package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/commitment"
)

// timeLayout is fixed width so string order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row scanner) (commitment.Commitment, error) {
	var (
		c                             commitment.Commitment
		id, customerID, status        string
		target, balance               string
		validFrom, validTo, createdAt string
		predecessorID, createdBy      sql.NullString
	)
	err := row.Scan(&id, &customerID, &target, &c.DiscountPercent, &validFrom, &validTo,
		&status, &predecessorID, &balance, &createdBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("failed to scan commitment: %w", err)
	}

	c.ID = commitment.CommitmentID(id)
	c.CustomerID = commitment.CustomerID(customerID)
	c.Status = commitment.Status(status)
	c.PredecessorID = commitment.CommitmentID(predecessorID.String)
	c.CreatedBy = createdBy.String

	if c.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return c, fmt.Errorf("commitment %s: bad target amount %q: %w", id, target, err)
	}
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return c, fmt.Errorf("commitment %s: bad balance %q: %w", id, balance, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.ValidFrom, validFrom}, {&c.ValidTo, validTo}, {&c.CreatedAt, createdAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return c, fmt.Errorf("commitment %s: bad time %q: %w", id, f.src, err)
		}
	}
	return c, nil
}

func scanEntry(row scanner) (commitment.CommitmentID, commitment.PurchaseEntry, error) {
	var (
		e                      commitment.PurchaseEntry
		owner, id              string
		seq                    int
		amount, net, createdAt string
	)
	if err := row.Scan(&owner, &id, &seq, &amount, &net, &e.AppliedDiscount, &e.Removed, &createdAt); err != nil {
		return "", e, fmt.Errorf("failed to scan purchase entry: %w", err)
	}

	var err error
	e.ID = commitment.PurchaseID(id)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return "", e, fmt.Errorf("purchase %s: bad amount %q: %w", id, amount, err)
	}
	if e.NetAmount, err = decimal.NewFromString(net); err != nil {
		return "", e, fmt.Errorf("purchase %s: bad net amount %q: %w", id, net, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return "", e, fmt.Errorf("purchase %s: bad time %q: %w", id, createdAt, err)
	}
	return commitment.CommitmentID(owner), e, nil
}
