// Package redis backs the guard's key-value state with Redis and provides a
// distributed per-instance lock so that several guard replicas can serve the
// same relay without interleaving validate and commit for one instance.
package redis
