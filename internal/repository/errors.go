// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow the coordinators and handlers
// to distinguish between failure scenarios without inspecting driver
// errors.
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own.  Handlers translate it into 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be applied because the
// row changed underneath the caller.  Handlers translate it into 409.
var ErrConflict = errors.New("conflict")

// ErrDuplicate is returned when an insert violates a unique key, such as
// a second order with the same order number.
var ErrDuplicate = errors.New("duplicate")

// ErrEmailExists is returned by UserRepo.Create for a taken email.
var ErrEmailExists = errors.New("email already exists")

// ErrUnknownStatus is returned when a stored row carries a status the
// model does not declare.
var ErrUnknownStatus = errors.New("unknown status")

func checkStatus[S interface {
	~string
	Valid() bool
}](table string, id uint64, s S) error {
	if s.Valid() {
		return nil
	}
	return fmt.Errorf("%s %d has status %q: %w", table, id, string(s), ErrUnknownStatus)
}

const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// notFound maps sql.ErrNoRows to ErrNotFound and leaves other errors as is.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	bs := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			bs = append(bs, ',')
		}
		bs = append(bs, '?')
	}
	return string(bs)
}
