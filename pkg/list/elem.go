package list

type Elem[V any] struct {
	prev, next *Elem[V]
	list       *List[V]

	Value V
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element inserted after e, or nil.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}
