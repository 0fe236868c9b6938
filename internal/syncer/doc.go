// Package syncer reconciles the local cache with the remote document store.
//
// Overview
//
// The syncer is the work behind every background sync key. It runs inside
// coordinator workers, never on a caller's goroutine, and does two things:
//
//	Drain (write keys)               Refresh (read keys)
//
//	pending_operations               remote collection
//	      │ Claim                          │ Fetch / Query
//	      ▼                                ▼
//	   syncer ── Create/Update/Delete ─►  syncer ── MergeRemote ─► documents
//	      │                                (skips entities with pending ops,
//	      ▼                                 soft-deleted entities and
//	  Ack / Fail                            stale remote versions)
//
// Drain replays claimed operations against the remote store in queue order.
// Success acks the operation; failure hands it back to the queue, which
// owns the retry and dead-letter policy.
//
// Refresh pulls remote documents into the cache, but never overwrites a
// local change that has not been pushed yet, never resurrects a document
// deleted locally, and never replaces a newer local copy with an older
// remote one (compared by updatedAt). These checks run in the same
// transaction as the cache write, so a local write racing a refresh is
// never lost.
//
// Usage
//
//	s := syncer.New(cacheStore, pendingQueue, remoteClient, nil)
//	coord := coordinator.New(s, nil)
//	coord.Start()
//	coord.TriggerBackgroundSync(syncer.KeysFor("feature").Drain())
package syncer
