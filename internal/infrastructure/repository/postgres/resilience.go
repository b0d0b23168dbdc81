package postgres

import (
	"database/sql/driver"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

// classifyPostgresError retries dropped connections and the SQLSTATE
// classes a second attempt can clear. Statement errors are permanent.
func classifyPostgresError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if errors.Is(err, driver.ErrBadConn) {
		return resilience.Transient
	}
	if domain.IsKind(err, domain.ErrMalformedResponse) {
		return resilience.Permanent
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014": // query_canceled
			return resilience.Ignored
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08", // connection_exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return resilience.Transient
		}
	}
	return resilience.Permanent
}
