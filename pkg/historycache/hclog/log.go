// Package hclog holds the package-wide logger used by historycache.
//
// It mirrors the teacher's pkg/util/log.Logger pattern: a single mutable
// package variable, set once at process start, consulted everywhere else.
package hclog

import (
	"os"

	"github.com/go-kit/log"
)

// Logger is the logger used by every historycache component. Replace it
// with SetLogger before constructing any Cache.
var Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

// SetLogger installs a new package-wide logger. Not safe to call
// concurrently with cache operations.
func SetLogger(l log.Logger) {
	if l == nil {
		return
	}
	Logger = l
}
