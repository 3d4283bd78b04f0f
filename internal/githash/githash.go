// Package githash computes git object ids for local content so it can be
// compared against remote tree entries without a network round-trip.
package githash

import (
	"github.com/go-git/go-git/v5/plumbing"
)

// Blob returns the hex object id git assigns to a blob holding data.
func Blob(data []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, data).String()
}

// BlobString is Blob for text content.
func BlobString(s string) string {
	return Blob([]byte(s))
}
