package retry

import (
	"encoding/binary"

	"github.com/scorego/sluice/internal/visibility"
)

// Attempt counters live under r/{topic}/{group}/{part:4}/{off:8}. The
// visibility tracker stages writes to this layout inside its transition
// batches, so the two packages must agree on it byte for byte.
var attemptPrefix = []byte("r/")

func keyAttempt(ref visibility.Ref) []byte {
	k := make([]byte, 0, len(attemptPrefix)+len(ref.Topic)+len(ref.Group)+15)
	k = append(k, attemptPrefix...)
	k = append(k, ref.Topic...)
	k = append(k, '/')
	k = append(k, ref.Group...)
	k = append(k, '/')
	var part [4]byte
	binary.BigEndian.PutUint32(part[:], ref.Partition)
	k = append(k, part[:]...)
	k = append(k, '/')
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], ref.Offset)
	return append(k, off[:]...)
}
