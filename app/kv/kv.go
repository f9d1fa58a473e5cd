// Package kv provides durable key-value locations for queue snapshots.
// Each Set replaces the whole value atomically, readers never observe a torn write.
package kv

import "errors"

// ErrNotFound returned by Get for a missing key
var ErrNotFound = errors.New("key not found")
