// Package testutil provides helpers for tests: a controllable clock,
// PKCE verifier/challenge pairs and random strings.
package testutil
