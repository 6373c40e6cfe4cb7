package wal

// Placement is the result of planning a record's position in the segment's logical
// byte stream: the half-open range [WriteFrom, WriteTo) it will occupy once flushed.
type Placement struct {
	WriteFrom uint64
	WriteTo   uint64
}

// Plan computes where a record of payloadLen bytes lands if appended starting at the
// logical cursor position starting, accounting for the RecordsOffset header bytes
// consumed every time the record crosses a page boundary. It never touches disk; it
// is the sole authority on logical-position arithmetic, shared by the append buffer
// (to advance filled_up_to) and the flusher (implicitly, via the write_from/write_to
// already stamped on each buffered entry).
func Plan(starting uint64, payloadLen uint64) Placement {
	pageSize := int64(PageSize)
	recordsOffset := int64(RecordsOffset)
	start := int64(starting)
	length := int64(payloadLen)

	offsetInPage := start % pageSize
	if offsetInPage < recordsOffset {
		offsetInPage = recordsOffset
	}
	freePageSpace := pageSize - offsetInPage
	inPage := int64(CalculateRecordSize(int(freePageSpace)))

	if inPage >= length {
		resultSize := int64(CalculateSerializedSize(int(length)))
		if start%pageSize == 0 {
			start += recordsOffset
		}
		return Placement{WriteFrom: uint64(start), WriteTo: uint64(start + resultSize)}
	}

	var resultSize int64
	var remaining int64

	if inPage > 0 {
		remaining = length - inPage
		resultSize = freePageSpace
		if start%pageSize == 0 {
			start += recordsOffset
		}
	} else {
		remaining = length
		start = start + freePageSpace + recordsOffset
		resultSize = -recordsOffset
	}

	fullPageCapacity := int64(CalculateRecordSize(MaxEntrySize()))
	resultSize += (remaining / fullPageCapacity) * pageSize

	leftover := remaining % fullPageCapacity
	if leftover > 0 {
		resultSize += recordsOffset + int64(CalculateSerializedSize(int(leftover)))
	}

	return Placement{WriteFrom: uint64(start), WriteTo: uint64(start + resultSize)}
}
