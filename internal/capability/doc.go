// Package capability resolves named generation capabilities and invokes
// their remote-procedure or direct-inference backends through a single
// contract that always yields a Result value.
package capability
