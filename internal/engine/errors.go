package engine

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine that is not a
// context or I/O failure wraps exactly one of these; test with errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrVersion       = errors.New("version error")
	ErrSchema        = errors.New("schema error")
	ErrConstraint    = errors.New("constraint error")
	ErrSerialization = errors.New("serialization error")
)

var (
	// ErrBlocked means other connections stayed open through a
	// version-change event, or another process holds the database.
	ErrBlocked = fmt.Errorf("%w: blocked by open connections", ErrConnection)
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = fmt.Errorf("%w: connection is closed", ErrConnection)
	// ErrUpgradeInProgress rejects overlapping version changes.
	ErrUpgradeInProgress = fmt.Errorf("%w: another version change is in progress", ErrConnection)
	// ErrReadOnly is returned for writes inside a View transaction.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Kind names the category of err, for notifications and CLI output.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrVersion):
		return "VersionError"
	case errors.Is(err, ErrSchema):
		return "SchemaError"
	case errors.Is(err, ErrConstraint):
		return "ConstraintError"
	case errors.Is(err, ErrSerialization):
		return "SerializationError"
	case errors.Is(err, ErrReadOnly):
		return "ReadOnlyError"
	}
	return "StorageError"
}
