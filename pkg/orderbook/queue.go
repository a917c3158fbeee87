package orderbook

// sideQueue keeps one side of the book sorted best-first. Insertion is a
// linear scan; books in this system are small and the scan keeps arrival
// order stable among equal keys.
type sideQueue struct {
	items  []*Order
	better func(a, b *Order) bool // a strictly ahead of b
}

func newBuyQueue() *sideQueue {
	return &sideQueue{better: func(a, b *Order) bool {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c > 0
		}
		return a.Timestamp < b.Timestamp
	}}
}

func newSellQueue() *sideQueue {
	return &sideQueue{better: func(a, b *Order) bool {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c < 0
		}
		return a.Timestamp < b.Timestamp
	}}
}

func (q *sideQueue) Len() int { return len(q.items) }

// insert places o after every order it is not strictly ahead of.
func (q *sideQueue) insert(o *Order) {
	i := len(q.items)
	for j, cur := range q.items {
		if q.better(o, cur) {
			i = j
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = o
}

func (q *sideQueue) peek() *Order {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *sideQueue) pop() *Order {
	if len(q.items) == 0 {
		return nil
	}
	o := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return o
}

func (q *sideQueue) views() []OrderView {
	out := make([]OrderView, len(q.items))
	for i, o := range q.items {
		out[i] = o.view()
	}
	return out
}
