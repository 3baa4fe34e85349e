// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api declares the small set of contracts shared across the runtime's
// subsystems. Implementations live in their respective packages; api itself
// has no dependencies.
package api
