// Package proxy implements the core of an authenticating login-proxy: a
// per-client Proxy that connects to a backend, drives a protocol-specific
// pre-login dialog through a pluggable Controller, and on success detaches
// to a Pump that copies bytes bidirectionally until either side closes.
//
// # Architecture
//
//	Client -> Proxy -> backend TCP connection
//
// A Proxy is created with New, referencing a HealthRecord obtained from a
// process-wide HealthRegistry shared across every Proxy talking to the
// same destination. The registry decides fast-fail eligibility and paces
// delayed disconnects across a mass-logout event.
//
// # Protocol driver
//
// The Proxy itself knows nothing about POP3. It reads lines from the
// backend during pre-login and hands each one to a Driver (see
// server/pop3proxy), which reacts through the Controller interface:
// writing to the backend, requesting a STARTTLS upgrade, detaching to the
// Pump, or failing the session with a typed FailureType.
//
// # Health monitoring
//
// Each destination's HealthRecord tracks waiting/active connection counts
// and success/failure timestamps. An embedded circuit breaker (see
// pkg/circuitbreaker) enriches the record with a consecutive-failure trip
// state exposed for operational visibility; the core fast-fail decision
// itself stays the time-window algorithm this proxy was built to preserve.
//
// # Integration
//
// Used by server/pop3proxy, which supplies the POP3-specific Driver and
// wires an Engine into a client-facing listener.
package proxy
