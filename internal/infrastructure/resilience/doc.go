// Package resilience guards outbound dependencies with a three-state
// circuit breaker. The remote script fetcher runs behind one so a
// misbehaving script origin cannot slow every apply request down to its
// timeout.
package resilience
