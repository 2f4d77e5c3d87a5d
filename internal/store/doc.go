// Package store is the persistence boundary: it seals the whole session
// corpus into one versioned, authenticated blob under a caller-supplied
// storage key, and reads/writes that blob on disk atomically. It never owns
// session state, only borrowed snapshots.
package store
