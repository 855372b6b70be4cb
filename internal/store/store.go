// Package store is the durable model catalog: a keyed mapping from model key
// to types.ModelConfig. It is the single source of truth for installed models;
// every mutation goes through its serialized operations.
package store

import (
	"modelmgr/pkg/types"
)

// Op names a catalog mutation delivered to change listeners.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeFunc is called after a mutation commits. It must not call back into
// the store's mutating methods.
type ChangeFunc func(op Op, cfg types.ModelConfig)

// Store is the catalog contract used by the rest of the subsystem.
type Store interface {
	// Add inserts a new record. The key must be set and unused.
	Add(cfg types.ModelConfig) (types.ModelConfig, error)
	// AddUnique is Add that atomically rejects a record sharing the path or
	// the name/base/type of an existing one.
	AddUnique(cfg types.ModelConfig) (types.ModelConfig, error)
	Get(key string) (types.ModelConfig, error)
	Exists(key string) bool
	// Update applies fn to the current record atomically and stores the result.
	Update(key string, fn func(*types.ModelConfig) error) (types.ModelConfig, error)
	Delete(key string) (types.ModelConfig, error)
	// Search returns matching records in insertion order.
	Search(f types.ModelFilter) ([]types.ModelConfig, error)
	// FindByPath returns the record whose Path equals path, if any.
	FindByPath(path string) (types.ModelConfig, bool, error)
	Subscribe(fn ChangeFunc)
	Close() error
}
