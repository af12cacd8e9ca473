package topic

// Keyspace owned by the registry:
//   - t/{name}  topic meta (JSON)
//
// The registry also drains the per-topic state tables on force-delete. Their
// layouts belong to the commitlog, visibility and retry packages; here only
// the coarse "{prefix}{topic}/" scope of each table is known.

var (
	sep        = byte('/')
	metaPrefix = []byte("t/")

	// State tables scoped by topic, drained on force-delete. The log and
	// dedup ranges come from the commitlog package; these cover the rest.
	statePrefixes = [][]byte{
		[]byte("g/"),  // ack floors and done marks
		[]byte("gr/"), // group markers
		[]byte("x/"),  // leases
		[]byte("y/"),  // requeue-delay markers
		[]byte("r/"),  // delivery attempt counters
	}

	leasePrefix   = []byte("x/")
	delayPrefix   = []byte("y/")
	attemptPrefix = []byte("r/")
)

// keyTopicMeta builds the meta key for one topic.
func keyTopicMeta(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// metaRange returns the [low, hi) bounds covering every topic meta record.
func metaRange() ([]byte, []byte) {
	return metaPrefix, []byte{metaPrefix[0], metaPrefix[1] + 1}
}

// nameFromMetaKey extracts the topic name from a meta key.
func nameFromMetaKey(key []byte) string {
	return string(key[len(metaPrefix):])
}

// scopedRange returns the [low, hi) bounds covering one state table for one
// topic. Valid names exclude '/', so "{prefix}{name}/" never collides with a
// longer name sharing the same prefix.
func scopedRange(prefix []byte, name string) ([]byte, []byte) {
	low := make([]byte, 0, len(prefix)+len(name)+1)
	low = append(low, prefix...)
	low = append(low, name...)
	low = append(low, sep)
	hi := append(append([]byte{}, low[:len(low)-1]...), sep+1)
	return low, hi
}
