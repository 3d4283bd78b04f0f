package githash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlob_KnownValues(t *testing.T) {
	// Values produced by `git hash-object --stdin`.
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", Blob(nil))
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", BlobString(""))
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", BlobString("hello\n"))
}

func TestBlob_DistinguishesContent(t *testing.T) {
	a := BlobString("A")
	b := BlobString("B")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, BlobString("A"))
	assert.Len(t, a, 40)
}

func TestBlob_BinarySafe(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	assert.Equal(t, Blob(data), Blob(append([]byte(nil), data...)))
	assert.NotEqual(t, Blob(data), Blob(data[:5]))
}
