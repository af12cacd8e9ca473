package visibility

import (
	"encoding/binary"
	"strings"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
//   - g/{topic}/{group}/{part_be4}/f              ack floor: offset(8)
//   - g/{topic}/{group}/{part_be4}/a/{off_be8}    done mark above the floor
//   - gr/{topic}/{group}                          group marker: createdAtMs(8)
//   - x/{topic}/{group}/{part_be4}/{off_be8}      lease (JSON)
//   - xi/{exp_be8}/{ref}                          lease expiry index
//   - y/{topic}/{group}/{part_be4}/{off_be8}      requeue delay: readyAtMs(8)
//   - yi/{ready_be8}/{ref}                        delay index
//
// where {ref} = {topic}/{group}/{part_be4}/{off_be8}. Topic and group names
// exclude '/', so the ref parses unambiguously from its fixed-width tail.
// The attempt counter r/{ref} belongs to the retry accounting but is staged
// into this package's transition batches so a redelivery verdict and the
// lease release commit together.

var (
	sep           = byte('/')
	groupPrefix   = []byte("g/")
	markerPrefix  = []byte("gr/")
	leasePrefix   = []byte("x/")
	leaseIdxPref  = []byte("xi/")
	delayPrefix   = []byte("y/")
	delayIdxPref  = []byte("yi/")
	attemptPrefix = []byte("r/")
	floorSuffix   = []byte("/f")
	doneSeg       = []byte("/a/")
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

// appendRef appends {topic}/{group}/{part_be4}/{off_be8}.
func appendRef(dst []byte, ref Ref) []byte {
	dst = append(dst, ref.Topic...)
	dst = append(dst, sep)
	dst = append(dst, ref.Group...)
	dst = append(dst, sep)
	dst = appendBE4(dst, ref.Partition)
	dst = append(dst, sep)
	dst = appendBE8(dst, ref.Offset)
	return dst
}

// parseRef reverses appendRef. The tail is fixed-width: '/'+part(4)+'/'+off(8).
func parseRef(b []byte) (Ref, bool) {
	if len(b) < 17 { // 1+1+1+4+1+8 at minimum
		return Ref{}, false
	}
	off := binary.BigEndian.Uint64(b[len(b)-8:])
	if b[len(b)-9] != sep || b[len(b)-14] != sep {
		return Ref{}, false
	}
	part := binary.BigEndian.Uint32(b[len(b)-13 : len(b)-9])
	head := string(b[:len(b)-14])
	i := strings.IndexByte(head, '/')
	if i <= 0 || i == len(head)-1 {
		return Ref{}, false
	}
	return Ref{Topic: head[:i], Group: head[i+1:], Partition: part, Offset: off}, true
}

func keyFloor(topic, group string, part uint32) []byte {
	k := make([]byte, 0, len(topic)+len(group)+16)
	k = append(k, groupPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, part)
	k = append(k, floorSuffix...)
	return k
}

func keyDone(topic, group string, part uint32, off uint64) []byte {
	k := make([]byte, 0, len(topic)+len(group)+24)
	k = append(k, groupPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, part)
	k = append(k, doneSeg...)
	k = appendBE8(k, off)
	return k
}

// doneBounds covers one partition's done marks.
func doneBounds(topic, group string, part uint32) ([]byte, []byte) {
	low := keyDone(topic, group, part, 0)
	hi := append(keyDone(topic, group, part, ^uint64(0)), 0x00)
	return low, hi
}

func keyGroupMarker(topic, group string) []byte {
	k := make([]byte, 0, len(topic)+len(group)+4)
	k = append(k, markerPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	return k
}

// groupMarkerBounds covers every group marker of a topic.
func groupMarkerBounds(topic string) ([]byte, []byte) {
	low := make([]byte, 0, len(topic)+4)
	low = append(low, markerPrefix...)
	low = append(low, topic...)
	low = append(low, sep)
	hi := append(append([]byte{}, low[:len(low)-1]...), sep+1)
	return low, hi
}

func groupFromMarkerKey(key []byte, topic string) string {
	return string(key[len(markerPrefix)+len(topic)+1:])
}

func keyLease(ref Ref) []byte {
	k := make([]byte, 0, len(ref.Topic)+len(ref.Group)+20)
	k = append(k, leasePrefix...)
	return appendRef(k, ref)
}

// leaseBounds covers one partition's leases.
func leaseBounds(topic, group string, part uint32) ([]byte, []byte) {
	low := keyLease(Ref{Topic: topic, Group: group, Partition: part})
	hi := append(keyLease(Ref{Topic: topic, Group: group, Partition: part, Offset: ^uint64(0)}), 0x00)
	return low, hi
}

// allLeaseBounds covers every lease in the store. Used at recovery.
func allLeaseBounds() ([]byte, []byte) {
	return leasePrefix, []byte{leasePrefix[0], leasePrefix[1] + 1}
}

func keyLeaseIdx(expiresAtMs int64, ref Ref) []byte {
	k := make([]byte, 0, len(ref.Topic)+len(ref.Group)+30)
	k = append(k, leaseIdxPref...)
	k = appendBE8(k, uint64(expiresAtMs))
	k = append(k, sep)
	return appendRef(k, ref)
}

// leaseIdxBounds covers the whole expiry index, oldest expiry first.
func leaseIdxBounds() ([]byte, []byte) {
	return leaseIdxPref, []byte{leaseIdxPref[0], leaseIdxPref[1], leaseIdxPref[2] + 1}
}

// splitIdxKey extracts the timestamp and ref from an xi/ or yi/ index key.
func splitIdxKey(key []byte, prefix []byte) (int64, Ref, bool) {
	if len(key) < len(prefix)+9 {
		return 0, Ref{}, false
	}
	ts := int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
	ref, ok := parseRef(key[len(prefix)+9:])
	return ts, ref, ok
}

func keyDelay(ref Ref) []byte {
	k := make([]byte, 0, len(ref.Topic)+len(ref.Group)+20)
	k = append(k, delayPrefix...)
	return appendRef(k, ref)
}

// delayBounds covers one partition's delay markers.
func delayBounds(topic, group string, part uint32) ([]byte, []byte) {
	low := keyDelay(Ref{Topic: topic, Group: group, Partition: part})
	hi := append(keyDelay(Ref{Topic: topic, Group: group, Partition: part, Offset: ^uint64(0)}), 0x00)
	return low, hi
}

func keyDelayIdx(readyAtMs int64, ref Ref) []byte {
	k := make([]byte, 0, len(ref.Topic)+len(ref.Group)+30)
	k = append(k, delayIdxPref...)
	k = appendBE8(k, uint64(readyAtMs))
	k = append(k, sep)
	return appendRef(k, ref)
}

// delayIdxBounds covers the whole delay index, earliest ready time first.
func delayIdxBounds() ([]byte, []byte) {
	return delayIdxPref, []byte{delayIdxPref[0], delayIdxPref[1], delayIdxPref[2] + 1}
}

// keyAttempt mirrors the retry package's attempt counter key so transition
// batches can stage it.
func keyAttempt(ref Ref) []byte {
	k := make([]byte, 0, len(ref.Topic)+len(ref.Group)+20)
	k = append(k, attemptPrefix...)
	return appendRef(k, ref)
}

func offsetFromKeyTail(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
