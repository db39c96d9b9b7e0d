package archive

import (
	"encoding/hex"
	"hash"

	"github.com/zeebo/blake3"
)

const digestPrefix = "blake3:"

// Digest returns the content address of an encoded archive.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// Digester computes Digest incrementally while an archive is written.
type Digester struct {
	h hash.Hash
}

func NewDigester() *Digester {
	return &Digester{h: blake3.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *Digester) Sum() string {
	return digestPrefix + hex.EncodeToString(d.h.Sum(nil))
}
