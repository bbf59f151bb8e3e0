// Package acceptance runs the transfer scenarios in features/ against the
// in-memory store. Run with: go test -tags acceptance ./acceptance
package acceptance
