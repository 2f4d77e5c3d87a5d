// Package router is the top-level ciphertext dispatcher. It resolves an
// envelope to the right session store, and parks envelopes whose key has not
// arrived yet in a bounded retry queue drained by key imports and a periodic
// sweep. Entries that outlive their retry or time budget are surfaced as
// permanently failed, never retried forever.
package router
