package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/deka641/vellum-sub001/internal/pages"
)

// classify wraps err for op. Domain errors pass through untouched, retryable
// storage failures become *pages.TransientError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if pages.IsConflict(err) || pages.IsValidation(err) || pages.IsNotFound(err) || pages.IsTransient(err) {
		return err
	}
	if isTransient(err) {
		return &pages.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40xxx: serialization failure, deadlock. 08xxx: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "40") ||
			strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "55P03" ||
			pgErr.Code == "57P01"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
