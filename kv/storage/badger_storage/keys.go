package badger_storage

import (
	"encoding/binary"

	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util/codec"
	"github.com/pingcap/errors"
)

// Key layout, every key is prefixed by its column family (see engine_util):
//   timeline: EncodeKey(branch, keyspace, key, ts) -> flag + value
//   now:      branch                               -> ts
//   branch:   branch                               -> EncodeBytes(origin) + ts
//   commit:   EncodeKey(branch, ts)                -> metadata
//   keyspace: EncodePrefix(branch, keyspace)       -> ts of the first entry

const (
	flagValue     byte = 0
	flagTombstone byte = 1
)

func timelineKey(branch string, key storage.QualifiedKey, ts int64) []byte {
	return codec.EncodeKey(nil, ts, branch, key.Keyspace, key.Key)
}

// afterTimelineKey sorts after every version of key.
func afterTimelineKey(branch string, key storage.QualifiedKey) []byte {
	return append(codec.EncodeKey(nil, 0, branch, key.Keyspace, key.Key), 0)
}

func keyPrefix(branch string, key storage.QualifiedKey) []byte {
	return codec.EncodePrefix(nil, branch, key.Keyspace, key.Key)
}

func keyspacePrefix(branch, keyspace string) []byte {
	return codec.EncodePrefix(nil, branch, keyspace)
}

func branchPrefix(branch string) []byte {
	return codec.EncodePrefix(nil, branch)
}

func commitKey(branch string, ts int64) []byte {
	return codec.EncodeKey(nil, ts, branch)
}

func decodeTimelineKey(k []byte) (branch string, key storage.QualifiedKey, ts int64, err error) {
	components, ts, err := codec.DecodeKey(k, 3)
	if err != nil {
		return "", storage.QualifiedKey{}, 0, errors.Annotatef(err, "timeline key %q", k)
	}
	return components[0], storage.QualifiedKey{Keyspace: components[1], Key: components[2]}, ts, nil
}

func encodeEntry(m *storage.Modify) []byte {
	if m.IsDelete() {
		return []byte{flagTombstone}
	}
	value := m.Value()
	buf := make([]byte, 0, len(value)+1)
	buf = append(buf, flagValue)
	return append(buf, value...)
}

func decodeEntry(ts int64, v []byte) (storage.Entry, error) {
	if len(v) == 0 {
		return storage.Entry{}, errors.Errorf("empty timeline value at %d", ts)
	}
	switch v[0] {
	case flagTombstone:
		return storage.Entry{Timestamp: ts, Tombstone: true}, nil
	case flagValue:
		return storage.Entry{Timestamp: ts, Value: v[1:]}, nil
	}
	return storage.Entry{}, errors.Errorf("unknown timeline flag %d at %d", v[0], ts)
}

func encodeTs(ts int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return buf[:]
}

func decodeTs(v []byte) (int64, error) {
	if len(v) != 8 {
		return 0, errors.Errorf("invalid timestamp value of %d bytes", len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func encodeBranchMeta(meta storage.BranchMeta) []byte {
	return codec.AppendTs(codec.EncodeBytes([]byte(meta.Origin)), meta.BranchingTimestamp)
}

func decodeBranchMeta(name string, v []byte) (storage.BranchMeta, error) {
	left, origin, err := codec.DecodeBytes(v)
	if err != nil {
		return storage.BranchMeta{}, errors.Annotatef(err, "metadata of branch %s", name)
	}
	if len(left) != 8 {
		return storage.BranchMeta{}, errors.Errorf("metadata of branch %s has no branching timestamp", name)
	}
	return storage.BranchMeta{Name: name, Origin: string(origin), BranchingTimestamp: codec.DecodeTs(left)}, nil
}

func decodeKeyspaceKey(k []byte) (branch, keyspace string, err error) {
	left, b, err := codec.DecodeBytes(k)
	if err != nil {
		return "", "", errors.Annotatef(err, "keyspace key %q", k)
	}
	left, ks, err := codec.DecodeBytes(left)
	if err != nil {
		return "", "", errors.Annotatef(err, "keyspace key %q", k)
	}
	if len(left) != 0 {
		return "", "", errors.Errorf("keyspace key %q has trailing bytes", k)
	}
	return string(b), string(ks), nil
}

func decodeCommitKey(k []byte) (int64, error) {
	_, ts, err := codec.DecodeKey(k, 1)
	if err != nil {
		return 0, errors.Annotatef(err, "commit key %q", k)
	}
	return ts, nil
}
