package wal

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// reader reassembles records that may span page boundaries and verifies every page
// it touches. The last record read is kept in a size-1 hashicorp/golang-lru cache
// plus a byte-size ceiling (Config.MaxCachedRecordBytes): Go has no portable weak
// reference, so a bounded single-entry cache stands in for one.
type reader struct {
	seg   *Segment
	cache *lru.Cache[LSN, []byte]
}

func newReader(seg *Segment) *reader {
	c, _ := lru.New[LSN, []byte](1)
	return &reader{seg: seg, cache: c}
}

// ReadRecord returns the bytes of the record starting at lsn, or (nil, nil) if lsn
// is at or past the segment's filled-up-to watermark.
func (r *reader) ReadRecord(lsn LSN) ([]byte, error) {
	if v, ok := r.cache.Get(lsn); ok {
		return v, nil
	}
	if lsn.Segment != r.seg.order {
		return nil, errors.Errorf("wal: lsn %s does not belong to segment %d", lsn, r.seg.order)
	}
	if lsn.Position >= r.seg.FilledUpTo() {
		return nil, nil
	}
	if r.seg.buf.len() > 0 {
		if err := r.seg.Flush(); err != nil {
			return nil, err
		}
	}

	payload, _, _, err := r.readChain(lsn)
	if err != nil {
		return nil, err
	}

	if len(payload) <= r.seg.cfg.MaxCachedRecordBytes {
		r.cache.Add(lsn, payload)
	}
	return payload, nil
}

// NextLSN re-reads the record at lsn to learn its length, then returns the first
// position past it, or false if that position is at or beyond filled_up_to.
func (r *reader) NextLSN(lsn LSN) (LSN, bool, error) {
	if lsn.Segment != r.seg.order {
		return LSN{}, false, errors.Errorf("wal: lsn %s does not belong to segment %d", lsn, r.seg.order)
	}
	if r.seg.buf.len() > 0 {
		if err := r.seg.Flush(); err != nil {
			return LSN{}, false, err
		}
	}

	_, endPage, endPos, err := r.readChain(lsn)
	if err != nil {
		return LSN{}, false, err
	}

	var nextPos uint64
	if endPos == PageSize || PageSize-endPos < MinRecordSize {
		nextPos = uint64(endPage+1)*uint64(PageSize) + uint64(RecordsOffset)
	} else {
		nextPos = uint64(endPage)*uint64(PageSize) + uint64(endPos)
	}

	if nextPos >= r.seg.FilledUpTo() {
		return LSN{}, false, nil
	}
	return LSN{Segment: r.seg.order, Position: nextPos}, true, nil
}

// Begin returns RecordsOffset as the first LSN if the segment holds any bytes at
// all, pending or durable.
func (r *reader) Begin() (LSN, bool) {
	if r.seg.buf.len() > 0 {
		return LSN{Segment: r.seg.order, Position: RecordsOffset}, true
	}
	fi, err := r.seg.statFile()
	if err == nil && fi.Size() > 0 {
		return LSN{Segment: r.seg.order, Position: RecordsOffset}, true
	}
	return LSN{}, false
}

// readChain walks the page chain starting at lsn, verifying every page it reads,
// and returns the reassembled payload plus the page index and in-page cursor where
// the record's last chunk ended.
func (r *reader) readChain(lsn LSN) (payload []byte, endPage int64, endPos int, err error) {
	pageIndex := int64(lsn.Position) / int64(PageSize)
	pageOffset := int(lsn.Position % uint64(PageSize))
	pageCount := (int64(r.seg.FilledUpTo()) + int64(PageSize) - 1) / int64(PageSize)

	page := newPage()
	for {
		if err := r.seg.readPageInto(pageIndex, page); err != nil {
			return nil, 0, 0, err
		}
		if !VerifyPage(page) {
			r.seg.metrics.corruptionsFound.Inc()
			return nil, 0, 0, pageBroken(r.seg.path, pageIndex, nil)
		}

		continuesNextPage, _, contentLen := ReadChunkHeader(page, pageOffset)
		payload = append(payload, page[pageOffset+chunkHeaderSize:pageOffset+chunkHeaderSize+contentLen]...)
		newPos := pageOffset + CalculateSerializedSize(contentLen)

		if continuesNextPage {
			if pageIndex == pageCount-1 {
				return nil, 0, 0, pageBroken(r.seg.path, pageIndex,
					errors.New("wal: chunk continues past the last page"))
			}
			pageIndex++
			pageOffset = RecordsOffset
			continue
		}

		if fs := freeSpace(page); fs >= MinRecordSize && pageIndex != pageCount-1 {
			r.seg.metrics.corruptionsFound.Inc()
			return nil, 0, 0, pageBroken(r.seg.path, pageIndex,
				errors.New("wal: page under-packed for its position in the segment"))
		}

		return payload, pageIndex, newPos, nil
	}
}
