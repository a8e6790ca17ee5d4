// Package registry fronts the active deployment registry with a short-lived cache.
//
// Status listings consult the active set on every call. Cached keeps the last answer
// per target for a configurable TTL and coalesces concurrent lookups, so a burst of
// status polls costs one registry query.
package registry
