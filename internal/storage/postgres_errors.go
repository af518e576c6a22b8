package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"frameproof/internal/apperr"
)

// classifyPostgresError maps driver errors onto the shared taxonomy so the
// services above can decide whether to retry.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", apperr.ErrConflict, pgErr.Message)
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %s", apperr.ErrNotFound, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "53300",
			pgErr.Code == "57P01":
			return apperr.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(err)
	}
	return err
}
