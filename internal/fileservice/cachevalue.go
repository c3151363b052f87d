package fileservice

import (
	"encoding/binary"

	"github.com/substratefs/substrate/internal/cache/cuckoo"
)

// The namespace cache stores one entry per file id: the owning directory and
// the attribute word. The remaining value bytes are reserved.

func packCacheValue(v *cuckoo.Value, dirID, attrs uint32) {
	binary.LittleEndian.PutUint32(v[0:], dirID)
	binary.LittleEndian.PutUint32(v[4:], attrs)
}

func unpackCacheValue(v *cuckoo.Value) (dirID, attrs uint32) {
	return binary.LittleEndian.Uint32(v[0:]), binary.LittleEndian.Uint32(v[4:])
}
