// Package mysql persists the guard's key-value state in a single MySQL table.
// It owns the embedded schema migrations and offers a connection-scoped
// advisory lock (GET_LOCK) as the storage.Locker implementation.
package mysql
