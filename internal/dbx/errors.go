package dbx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes we act on.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCrashShutdown        = "57P02"
	codeCannotConnectNow     = "57P03"
)

// Classify maps driver errors onto common sentinels so callers can use
// errors.Is. Unique violations become common.ErrUniqueViolation; connection
// loss, shutdowns, overload and serialization conflicts become
// common.ErrStorageUnavailable. Context errors and everything else are
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%w: %s: %w", common.ErrUniqueViolation, pgErr.ConstraintName, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == codeSerializationFailure,
			pgErr.Code == codeDeadlockDetected,
			pgErr.Code == codeTooManyConnections,
			pgErr.Code == codeAdminShutdown,
			pgErr.Code == codeCrashShutdown,
			pgErr.Code == codeCannotConnectNow:
			return fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.SafeToRetry(err):
		return fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return err
}

// IsUnavailable reports whether err is worth retrying after backoff.
func IsUnavailable(err error) bool {
	return errors.Is(Classify(err), common.ErrStorageUnavailable)
}
