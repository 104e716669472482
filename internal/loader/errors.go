package loader

import (
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// MySQL server error numbers.
const (
	mysqlErrDupEntry        = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
)

// isDuplicate reports whether err is a unique key violation.
func isDuplicate(err error) bool {
	// PG error codes: https://www.postgresql.org/docs/9.2/errcodes-appendix.html
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return pqe.Code.Name() == "unique_violation"
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDupEntry
	}

	return false
}

// isRetryable reports whether applying the statement again may succeed.
func isRetryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var pqe *pq.Error
	if errors.As(err, &pqe) {
		switch pqe.Code.Name() {
		case "deadlock_detected", "serialization_failure", "lock_not_available":
			return true
		}
		return false
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrLockDeadlock || me.Number == mysqlErrLockWaitTimeout
	}

	return false
}
