package sqlmeta

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ConfigError reports an entity declaration that cannot be compiled into a
// usable descriptor. It matches ErrConfig with errors.Is.
type ConfigError struct {
	Entity string
	Field  string
	Err    error
}

// Error returns the error string.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("sqlmeta: entity %s field %s: %v", e.Entity, e.Field, e.Err)
	}
	return fmt.Sprintf("sqlmeta: entity %s: %v", e.Entity, e.Err)
}

// Is reports whether the target error matches ErrConfig.
func (e *ConfigError) Is(err error) bool {
	return err == ErrConfig
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// MappingError reports a failure materializing one column of a row into an
// entity field.
type MappingError struct {
	Entity string
	Field  string
	Column string
	Err    error
}

// Error returns the error string.
func (e *MappingError) Error() string {
	return fmt.Sprintf("sqlmeta: %s.%s (column %q): %v", e.Entity, e.Field, e.Column, e.Err)
}

// Unwrap returns the underlying cause.
func (e *MappingError) Unwrap() error {
	return e.Err
}

// IsConfigError returns true if the error is a ConfigError.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// sqlStateError is implemented by lib/pq and pgx errors.
type sqlStateError interface {
	SQLState() string
}

// StatusCode extracts the SQLSTATE reported by the driver, or "" when the
// error carries none.
func StatusCode(err error) string {
	if err == nil {
		return ""
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.SQLState()
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return string(me.SQLState[:])
	}
	var se sqlStateError
	if errors.As(err, &se) {
		return se.SQLState()
	}
	return ""
}

// isTableMissing classifies err against a ";"-wrapped allow-list of status
// codes. SQLite reports no SQLSTATE, so its message is matched instead.
func isTableMissing(err error, states string) bool {
	if err == nil {
		return false
	}
	if code := StatusCode(err); code != "" {
		return strings.Contains(states, ";"+code+";")
	}
	return strings.Contains(err.Error(), "no such table")
}
