// Package lock provides per-key mutual exclusion for proposal operations.
//
// Keyed serializes callers within one process. RedisLocker extends the same contract
// across replicas using SET NX with a holder token and a compare-and-delete release.
package lock
