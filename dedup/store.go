// Package dedup keeps the durable set of source message IDs that have already
// been handled. The set only grows; an ID is written to durable storage before
// Mark returns.
package dedup

import (
	"context"
	"fmt"
	"strings"
)

// Store is a durable, append-only set of processed message IDs
type Store interface {
	Contains(id string) bool
	Mark(ctx context.Context, id string) error
	Len() int
	Close() error
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty message id")
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("message id %q contains a line break", id)
	}
	return nil
}
