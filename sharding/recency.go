package sharding

import "container/list"

// RecencyIndex is a doubly-linked list plus a hash map from EntityId to
// its node, giving O(1) touch, remove and least-recent lookup. A tree or
// heap is deliberately avoided: these operations need to stay O(1) at
// scale.
type RecencyIndex struct {
	order *list.List
	nodes map[EntityId]*list.Element
}

// NewRecencyIndex creates an empty index.
func NewRecencyIndex() *RecencyIndex {
	return &RecencyIndex{
		order: list.New(),
		nodes: make(map[EntityId]*list.Element),
	}
}

// Touch moves id to the most-recent position, inserting it if absent.
// Two consecutive touches of the same id with no intervening event leave
// the same order as one.
func (r *RecencyIndex) Touch(id EntityId) {
	if el, ok := r.nodes[id]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.nodes[id] = r.order.PushFront(id)
}

// Remove unlinks id from the index. A no-op if id is not present.
func (r *RecencyIndex) Remove(id EntityId) {
	el, ok := r.nodes[id]
	if !ok {
		return
	}
	r.order.Remove(el)
	delete(r.nodes, id)
}

// LeastRecent returns the least-recently-touched id and true, or the zero
// value and false if the index is empty.
func (r *RecencyIndex) LeastRecent() (EntityId, bool) {
	el := r.order.Back()
	if el == nil {
		return "", false
	}
	return el.Value.(EntityId), true
}

// Size returns the count of entries currently tracked.
func (r *RecencyIndex) Size() int {
	return r.order.Len()
}

// Contains reports whether id is currently tracked.
func (r *RecencyIndex) Contains(id EntityId) bool {
	_, ok := r.nodes[id]
	return ok
}
