// Package integration runs the usage ledger stores and the full request
// pipeline against real PostgreSQL and MongoDB instances via testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
