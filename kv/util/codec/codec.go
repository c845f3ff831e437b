package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)

	tsLen = 8
)

var pads = make([]byte, encGroupSize)

// EncodeKey encodes the components of a qualified key followed by an inverted timestamp. Components are encoded
// so that keys sort first by components (ascending), then by timestamp (descending). Seeking to EncodeKey(..., ts)
// therefore lands on the newest version at or before ts. The encoding is based on
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
//
// The result is appended to dst, so callers can hand in a scratch buffer they own.
func EncodeKey(dst []byte, ts int64, components ...string) []byte {
	for _, c := range components {
		dst = AppendBytes(dst, []byte(c))
	}
	return AppendTs(dst, ts)
}

// EncodePrefix encodes components without a timestamp. Every key produced by EncodeKey with the same leading
// components has the result as prefix.
func EncodePrefix(dst []byte, components ...string) []byte {
	for _, c := range components {
		dst = AppendBytes(dst, []byte(c))
	}
	return dst
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(data []byte) []byte {
	// Assume that the byte slice size is about `(len(data) / encGroupSize + 1) * (encGroupSize + 1)` bytes,
	// plus room for appending ts.
	result := make([]byte, 0, (len(data)/encGroupSize+1)*(encGroupSize+1)+tsLen)
	return AppendBytes(result, data)
}

// AppendBytes appends the memcomparable form of data to dst.
func AppendBytes(dst []byte, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			dst = append(dst, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			dst = append(dst, data[idx:]...)
			dst = append(dst, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		dst = append(dst, marker)
	}
	return dst
}

// AppendTs appends the timestamp to encoded key, Note we invert the timestamp so that when sorted, they are in descending order.
func AppendTs(encodedKey []byte, ts int64) []byte {
	var buf [tsLen]byte
	binary.BigEndian.PutUint64(buf[:], ^uint64(ts))
	return append(encodedKey, buf[:]...)
}

// DecodeKey splits a key produced by EncodeKey back into n components and the timestamp.
func DecodeKey(key []byte, n int) ([]string, int64, error) {
	components := make([]string, 0, n)
	left := key
	for i := 0; i < n; i++ {
		var data []byte
		var err error
		left, data, err = DecodeBytes(left)
		if err != nil {
			return nil, 0, err
		}
		components = append(components, string(data))
	}
	if len(left) != tsLen {
		return nil, 0, errors.Errorf("invalid timestamp suffix, %d bytes left", len(left))
	}
	return components, DecodeTs(left), nil
}

// DecodeTs decodes an inverted timestamp written by AppendTs.
func DecodeTs(b []byte) int64 {
	return int64(^binary.BigEndian.Uint64(b))
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			var padByte = encPad
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != padByte {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}
