package db

import "errors"

// Sentinel errors for database operations.
var (
	ErrKeyNotFound   = errors.New("db: key not found")
	ErrIndexNotFound = errors.New("db: index not found")
	ErrIndexExists   = errors.New("db: index already exists")
)

// Op names a failed store operation. Valkey/Redis ops are command names.
const (
	OpCreateIndex = "FT.CREATE"
	OpDropIndex   = "FT.DROPINDEX"
	OpIndexInfo   = "FT.INFO"
	OpSearch      = "FT.SEARCH"
	OpDel         = "DEL"
	OpHGetAll     = "HGETALL"
	OpHSet        = "HSET"
	OpScan        = "SCAN"
	OpGet         = "GET"
	OpSet         = "SET"

	OpSQLSchema = "pgvector ensure schema"
	OpSQLUpsert = "pgvector upsert"
	OpSQLSearch = "pgvector search"
	OpSQLDelete = "pgvector delete"
	OpSQLPing   = "pgvector ping"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// OpOf returns the operation of the outermost *Error in err's chain, or "".
func OpOf(err error) string {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Op
	}
	return ""
}
