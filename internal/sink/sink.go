// Package sink persists log records into the MongoDB replica set.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/novatechflow/jasminmongologd/internal/record"
)

// Writer persists a single log record. A nil return means the write was
// acknowledged with the configured durability and the caller may ack the
// broker message. Failures are either *TransientError (retry with backoff)
// or *FatalError (stop accepting work, operator intervention required).
type Writer interface {
	Persist(ctx context.Context, rec *record.LogRecord) error
	Close(ctx context.Context) error
}

// TransientError covers network partitions, primary elections in progress,
// and timeouts. The write may have partially applied; retrying can duplicate
// a record, which downstream consumers tolerate keyed by message id.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError covers authentication failures and malformed target namespaces.
// Retrying cannot help; the service stops consuming and reports unhealthy.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err requires halting consumption.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
