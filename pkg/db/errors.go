package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// IsUniqueViolation reports whether the provided error references a unique
// constraint violation (Postgres 23505 or SQLite's UNIQUE constraint failure).
// When constraintName is provided, the helper looks for the constraint text in
// the error message.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	code := sqlState(err)
	msg := err.Error()
	matched := code == "23505" ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
	if !matched {
		return false
	}
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return true
}

// IsTransient reports whether err is worth retrying: connection loss,
// serialization failures, deadlocks, resource exhaustion, admin shutdowns and
// SQLite lock contention. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if code := sqlState(err); code != "" {
		switch {
		case strings.HasPrefix(code, "08"):
			return true
		case strings.HasPrefix(code, "53"):
			return true
		case code == "40001", code == "40P01":
			return true
		case code == "57P01", code == "57P02", code == "57P03":
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"database is locked",
	"sqlite_busy",
	"database table is locked",
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
}

func sqlState(err error) string {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
