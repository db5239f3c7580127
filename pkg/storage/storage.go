// Package storage provides namespace-scoped key/value and blob adapters.
// Values are opaque byte payloads; concurrent writers to the same key are
// last-writer-wins and there are no cross-key transactional guarantees.
package storage

import "context"

// KV is the operation surface of one namespace.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Store hands out namespace-scoped views. Namespaces isolate capabilities
// from each other; a namespace name never escapes its own subtree.
type Store interface {
	Namespace(ns string) KV
}
