package host

import "github.com/vitaminmoo/casedfu/internal/event"

const initialQueueCap = 4

// packetQueue holds host data packets that arrive while an earlier packet is
// still being parsed. Capacity starts at 4 and doubles when full. It never
// shrinks while a transfer lasts; reset drops it at cleanup.
type packetQueue struct {
	items []event.HostDataPayload
}

func (q *packetQueue) push(p event.HostDataPayload) {
	if len(q.items) == cap(q.items) {
		n := cap(q.items) * 2
		if n == 0 {
			n = initialQueueCap
		}
		grown := make([]event.HostDataPayload, len(q.items), n)
		copy(grown, q.items)
		q.items = grown
	}
	q.items = append(q.items, p)
}

func (q *packetQueue) pop() (event.HostDataPayload, bool) {
	if len(q.items) == 0 {
		return event.HostDataPayload{}, false
	}
	p := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items[n] = event.HostDataPayload{}
	q.items = q.items[:n]
	return p, true
}

func (q *packetQueue) size() int { return len(q.items) }

func (q *packetQueue) capacity() int { return cap(q.items) }

func (q *packetQueue) reset() { q.items = nil }
