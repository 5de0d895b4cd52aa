// Package store defines the tool catalog model and the persistence contracts
// (tool repository and embedding cache). Implementations live in
// internal/storage; this package must not import database drivers or
// concrete clients.
package store
