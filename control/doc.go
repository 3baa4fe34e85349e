// File: control/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package control implements the typed configuration registry backing the
// runtime: named variables with defaults and descriptions, change listeners,
// and YAML-file loading with dotted-key flattening.
package control
