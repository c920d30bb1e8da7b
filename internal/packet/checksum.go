package packet

import "hash/crc32"

// Checksum continues an IEEE 802.3 CRC-32 from seed over buf. Packet checksums
// always start from a zero seed, which makes Checksum(0, b) equal to
// crc32.ChecksumIEEE(b).
func Checksum(seed uint32, buf []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, buf)
}
