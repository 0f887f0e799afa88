// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/cmdrelay/internal/types"

// Compile-time interface compliance checks.
var _ types.QueueStore = (*SnapshotStore)(nil)
