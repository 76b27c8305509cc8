package storage

import (
	"context"
	"errors"
	"fmt"

	"listkeeper/internal/domain"
)

// ErrNotFound is returned for a missing property or metadata key.
var ErrNotFound = errors.New("not found")

// Filter narrows the working set fetched for a cleaning run.
type Filter struct {
	// UpdatedSince restricts to properties touched at or after this RFC3339
	// timestamp. Empty means the whole catalog.
	UpdatedSince string
	City         string
	State        string
	Source       string
	Limit        int
}

// PropertyStore is the contract the engine requires from property storage.
// The engine never assumes anything about the backing datastore beyond this
// interface; atomicity of the individual calls is the store's concern.
type PropertyStore interface {
	FetchProperties(ctx context.Context, f Filter) ([]domain.PropertyRecord, error)
	UpdateProperty(ctx context.Context, id string, fields map[string]any) error
	DeleteProperty(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, propertyID, key string) (string, error)
	SetMetadata(ctx context.Context, propertyID, key, value string) error
}

// Metadata keys written by the action executor.
const (
	MetaFlagged         = "flagged"
	MetaFlagReason      = "flag_reason"
	MetaDeletionReason  = "deletion_reason"
	MetaSourceBrokerIDs = "source_broker_ids"
)

// updatable lists the property columns the executor may touch. Anything else
// in a merge payload is rejected before reaching the datastore.
var updatable = map[string]bool{
	"name":             true,
	"street":           true,
	"city":             true,
	"state":            true,
	"zip":              true,
	"price":            true,
	"units":            true,
	"year_built":       true,
	"square_feet":      true,
	"cap_rate":         true,
	"price_per_unit":   true,
	"property_type":    true,
	"status":           true,
	"description":      true,
	"source_broker_id": true,
	"brokerage_id":     true,
}

func checkFields(fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}
	for col := range fields {
		if !updatable[col] {
			return fmt.Errorf("field %s is not updatable", col)
		}
	}
	return nil
}
