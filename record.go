package flashsale

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Logical-expiry records are stored without a store TTL and framed as
//
//	magic(4) | version(1) | expireAt unix ms (u64 BE) | payload
const (
	recordVersion byte = 1
	recordHeader       = 4 + 1 + 8
)

var recordMagic = [4]byte{'F', 'S', 'L', 'E'}

func encodeRecord(expireAt time.Time, payload []byte) []byte {
	b := make([]byte, recordHeader, recordHeader+len(payload))
	copy(b, recordMagic[:])
	b[4] = recordVersion
	binary.BigEndian.PutUint64(b[5:recordHeader], uint64(expireAt.UnixMilli()))
	return append(b, payload...)
}

func decodeRecord(raw string) (time.Time, []byte, error) {
	b := []byte(raw)
	if len(b) < recordHeader || [4]byte(b[:4]) != recordMagic || b[4] != recordVersion {
		return time.Time{}, nil, fmt.Errorf("%w: bad logical-expiry header", ErrCorruptEntry)
	}
	ms := binary.BigEndian.Uint64(b[5:recordHeader])
	return time.UnixMilli(int64(ms)), b[recordHeader:], nil
}
