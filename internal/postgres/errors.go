package postgres

import (
	"errors"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation  = "23505"
	codeCheckViolation   = "23514"
	codeLockNotAvailable = "55P03"
	codeRaiseException   = "P0001"
)

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// IsUniqueViolation reports a 23505. An empty constraint matches any index.
func IsUniqueViolation(err error, constraint string) bool {
	code, name := pgCode(err)
	return code == codeUniqueViolation && (constraint == "" || constraint == name)
}

func IsCheckViolation(err error, constraint string) bool {
	code, name := pgCode(err)
	return code == codeCheckViolation && (constraint == "" || constraint == name)
}

func IsLockNotAvailable(err error) bool {
	code, _ := pgCode(err)
	return code == codeLockNotAvailable
}

// IsRaised reports an exception raised by one of our triggers.
func IsRaised(err error) bool {
	code, _ := pgCode(err)
	return code == codeRaiseException
}
