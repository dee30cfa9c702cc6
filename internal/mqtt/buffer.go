package mqtt

// pending is a serialized system event waiting for the broker link.
type pending struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// backlog is a fixed-capacity FIFO of system events published while the
// link was down. When full, the oldest entry is dropped. Not safe for
// concurrent use.
type backlog struct {
	items   []pending
	size    int
	next    int
	count   int
	dropped int
}

func newBacklog(size int) *backlog {
	if size < 1 {
		size = 1
	}
	return &backlog{items: make([]pending, size), size: size}
}

// add queues p and reports whether an older entry was evicted to make room.
func (b *backlog) add(p pending) bool {
	b.items[b.next] = p
	b.next = (b.next + 1) % b.size
	if b.count == b.size {
		b.dropped++
		return true
	}
	b.count++
	return false
}

// take removes and returns every queued entry, oldest first, along with
// the number evicted since the last take.
func (b *backlog) take() ([]pending, int) {
	if b.count == 0 {
		dropped := b.dropped
		b.dropped = 0
		return nil, dropped
	}
	out := make([]pending, b.count)
	start := (b.next - b.count + b.size) % b.size
	for i := range out {
		out[i] = b.items[(start+i)%b.size]
	}
	dropped := b.dropped
	b.next, b.count, b.dropped = 0, 0, 0
	return out, dropped
}

func (b *backlog) len() int {
	return b.count
}
