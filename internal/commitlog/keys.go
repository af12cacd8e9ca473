package commitlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
//   - l/{topic}/{part_be4}/m            partition meta: next(8) | first(8)
//   - l/{topic}/{part_be4}/e/{off_be8}  entries
//   - d/{topic}/{id}                    dedup index: part(4) | offset(8)
//
// Topic names are validated by the registry to exclude '/'.

var (
	sep        = byte('/')
	logPrefix  = []byte("l/")
	dedupPref  = []byte("d/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyPartitionMeta builds the partition watermark key.
func KeyPartitionMeta(topic string, partition uint32) []byte {
	k := make([]byte, 0, len(topic)+16)
	k = append(k, logPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	k = append(k, metaSuffix...)
	return k
}

// KeyEntry builds the entry key with a big-endian offset for ordered scans.
func KeyEntry(topic string, partition uint32, offset uint64) []byte {
	k := make([]byte, 0, len(topic)+24)
	k = append(k, logPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	k = append(k, entrySeg...)
	k = appendBE8(k, offset)
	return k
}

// KeyDedup builds the topic-level dedup index key for a record ID.
func KeyDedup(topic, id string) []byte {
	k := make([]byte, 0, len(topic)+len(id)+4)
	k = append(k, dedupPref...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, id...)
	return k
}

// KeyLogRange returns the [low, hi) bounds covering every log key of a
// topic (all partitions, metas included). Used when draining a topic.
func KeyLogRange(topic string) ([]byte, []byte) {
	low := make([]byte, 0, len(topic)+4)
	low = append(low, logPrefix...)
	low = append(low, topic...)
	low = append(low, sep)
	hi := append(append([]byte{}, low[:len(low)-1]...), sep+1)
	return low, hi
}

// KeyDedupRange returns the [low, hi) bounds covering a topic's dedup index.
func KeyDedupRange(topic string) ([]byte, []byte) {
	low := make([]byte, 0, len(topic)+4)
	low = append(low, dedupPref...)
	low = append(low, topic...)
	low = append(low, sep)
	hi := append(append([]byte{}, low[:len(low)-1]...), sep+1)
	return low, hi
}

// entryBounds returns the [low, hi) iterator bounds for one partition's
// entries.
func entryBounds(topic string, partition uint32) ([]byte, []byte) {
	low := KeyEntry(topic, partition, 0)
	hi := append(KeyEntry(topic, partition, ^uint64(0)), 0x00)
	return low, hi
}

// offsetFromEntryKey extracts the trailing big-endian offset.
func offsetFromEntryKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
