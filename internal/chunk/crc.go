package chunk

import "hash/crc32"

// crc32Of is the chunk_crc field of spec §4.6 step 3, checked by the
// server before a chunk is written to the sparse artifact file.
func crc32Of(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
