package stt

// Policy names what happens to a chunk arriving at a full queue.
type Policy string

const (
	// DropNewest rejects the incoming chunk and leaves the queue
	// untouched.
	DropNewest Policy = "drop_newest"
	// DropOldest evicts the head of the queue to make room at the
	// tail.
	DropOldest Policy = "drop_oldest"
)

func (p Policy) Valid() bool {
	return p == DropNewest || p == DropOldest
}

// offer applies the overload policy to one incoming chunk. It returns
// the updated queue, whether the incoming chunk was admitted, and
// whether any chunk (incoming or evicted head) was lost to capacity.
func offer(queue [][]byte, bound int, policy Policy, chunk []byte) ([][]byte, bool, bool) {
	if len(queue) < bound {
		return append(queue, chunk), true, false
	}
	if policy == DropOldest && bound > 0 {
		return append(queue[1:], chunk), true, true
	}
	return queue, false, true
}
