package types

import (
	"errors"
	"fmt"
)

// ErrCorruptStore is returned by QueueStore.Load when a record exists but
// cannot be parsed as a snapshot.
var ErrCorruptStore = errors.New("corrupt queue store")

// StoreWriteError wraps an I/O failure while saving a snapshot.
type StoreWriteError struct {
	Path string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("write queue store %s: %v", e.Path, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
