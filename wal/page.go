package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// PageSize is the fixed frame size of one on-disk page. It is a package variable
// instead of a const so small-page tests (PAGE_SIZE = 64) can exercise the exact
// same code path as the 64 KiB production default. Callers must not change it
// once any segment has been opened.
var PageSize = 64 * 1024

// magic is the sentinel written at offset 4 (magicOffset) of every finalized page.
var magic = [8]byte{'W', 'A', 'L', 'S', 'E', 'G', 'V', '1'}

const (
	// crcOffset is where the page's CRC32 is stored.
	crcOffset = 0
	// magicOffset is where the 8-byte magic sentinel is stored.
	magicOffset = 4
	// freeSpaceOffset is where the free-space-remaining counter is stored.
	freeSpaceOffset = 12
	// RecordsOffset is the first byte of the records region of a page.
	RecordsOffset = 16

	// chunkHeaderSize is the framing overhead of one record chunk, not counting
	// its payload: continues_next_page(1) + is_last_chunk(1) + content_length(4).
	chunkHeaderSize = 1 + 1 + 4

	// MinRecordSize is the smallest framable chunk: a header plus one payload byte.
	MinRecordSize = chunkHeaderSize + 1
)

// MaxEntrySize is the largest payload a single page can ever hold.
func MaxEntrySize() int {
	return PageSize - RecordsOffset
}

// CalculateRecordSize returns how many payload bytes fit in a chunk given freeBytes
// of free page space, after subtracting MinRecordSize (one chunk header plus one
// byte). Non-positive means no payload fits at all.
func CalculateRecordSize(freeBytes int) int {
	return freeBytes - MinRecordSize
}

// CalculateSerializedSize returns the bytes a chunk occupies in a page: framing
// overhead plus payload.
func CalculateSerializedSize(payloadLen int) int {
	return payloadLen + chunkHeaderSize
}

// newPage allocates a zeroed page buffer.
func newPage() []byte {
	return make([]byte, PageSize)
}

// WriteChunkHeader writes one chunk (header + payload) at pos, updates the page's
// free-space counter, and returns the cursor past the chunk.
func WriteChunkHeader(page []byte, pos int, continuesNextPage, isLast bool, payload []byte) int {
	page[pos] = boolByte(continuesNextPage)
	page[pos+1] = boolByte(isLast)
	binary.LittleEndian.PutUint32(page[pos+2:pos+6], uint32(len(payload)))
	copy(page[pos+chunkHeaderSize:], payload)

	newPos := pos + CalculateSerializedSize(len(payload))
	setFreeSpace(page, PageSize-newPos)
	return newPos
}

// ReadChunkHeader decodes the chunk header at pos.
func ReadChunkHeader(page []byte, pos int) (continuesNextPage, isLast bool, contentLen int) {
	continuesNextPage = page[pos] != 0
	isLast = page[pos+1] != 0
	contentLen = int(binary.LittleEndian.Uint32(page[pos+2 : pos+6]))
	return
}

// FinalizePage writes the magic sentinel and recomputes the CRC32 over
// [4, PageSize). Idempotent.
func FinalizePage(page []byte) {
	copy(page[magicOffset:magicOffset+8], magic[:])
	sum := crc32.ChecksumIEEE(page[magicOffset:])
	binary.LittleEndian.PutUint32(page[crcOffset:crcOffset+4], sum)
}

// VerifyPage reports whether the page's magic and CRC32 both check out. The CRC is
// always treated as an opaque unsigned 32-bit quantity, never sign-extended.
func VerifyPage(page []byte) bool {
	if len(page) < RecordsOffset {
		return false
	}
	for i, b := range magic {
		if page[magicOffset+i] != b {
			return false
		}
	}
	want := binary.LittleEndian.Uint32(page[crcOffset : crcOffset+4])
	got := crc32.ChecksumIEEE(page[magicOffset:])
	return want == got
}

func freeSpace(page []byte) int {
	return int(binary.LittleEndian.Uint32(page[freeSpaceOffset : freeSpaceOffset+4]))
}

func setFreeSpace(page []byte, n int) {
	binary.LittleEndian.PutUint32(page[freeSpaceOffset:freeSpaceOffset+4], uint32(n))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
