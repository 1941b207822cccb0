package ptnotes

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrDocumentUnreadable marks a document the parser cannot make
// sense of as a whole. Importing such a document fails; the batch
// around it continues.
var ErrDocumentUnreadable = errors.New("document unreadable")

// ParseError is a malformed record inside an otherwise readable
// document. The record is skipped and the error reported up with
// the parse result.
type ParseError struct {
	Record string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s record: %v", e.Record, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps store I/O failures. Fatal for the current
// import or correlation run; rows committed before it stand.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
