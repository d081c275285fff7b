// Package remote defines the backend the cache reads from and writes to,
// with a PostgREST-style HTTP implementation and an in-process one.
package remote

import (
	"context"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// UnknownTotal is the Page.Total of a response without a row count.
const UnknownTotal = -1

// Page is one filtered, windowed read.
type Page struct {
	Entities []ir.Object
	Total    int
}

// Source is a remote collection of resources. Every returned entity
// carries an "id" field.
type Source interface {
	// Select runs a filtered, windowed read.
	Select(ctx context.Context, spec querykey.Spec) (Page, error)

	// Insert creates a row and returns it as stored, with its real id.
	Insert(ctx context.Context, resource string, entity ir.Object) (ir.Object, error)

	// Update applies patch to one row and returns the row as stored.
	Update(ctx context.Context, resource, id string, patch ir.Object) (ir.Object, error)

	// Delete removes one row.
	Delete(ctx context.Context, resource, id string) error
}
