package packetcache

import (
	"math"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/list"
)

// index keeps two views over the same entries: a tree sorted by
// compareKeys for lookups and purges, and a list in insertion order for
// cleanup scans. Both views are always updated together. index is not safe
// for concurrent use.
type index struct {
	tree *rbt.Tree           // entryKey -> *list.Elem[*Entry]
	seq  *list.List[*Entry] // oldest first
}

func newIndex() *index {
	return &index{
		tree: rbt.NewWith(compareKeys),
		seq:  list.New[*Entry](),
	}
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(entryKey), b.(entryKey)
	if c := dnsutils.CompareNames(ka.qname, kb.qname); c != 0 {
		return c
	}
	switch {
	case ka.qtype != kb.qtype:
		return cmpOrder(ka.qtype < kb.qtype)
	case ka.ctype != kb.ctype:
		return cmpOrder(ka.ctype < kb.ctype)
	case ka.zoneID != kb.zoneID:
		return cmpOrder(ka.zoneID < kb.zoneID)
	case ka.meritsRecursion != kb.meritsRecursion:
		return cmpOrder(!ka.meritsRecursion)
	}
	return 0
}

func cmpOrder(less bool) int {
	if less {
		return -1
	}
	return 1
}

// lowerBound returns a key that sorts before every key with this qname.
func lowerBound(qname string) entryKey {
	return entryKey{qname: qname, zoneID: math.MinInt}
}

func (idx *index) len() int {
	return idx.seq.Len()
}

func (idx *index) lookup(k entryKey) *Entry {
	v, ok := idx.tree.Get(k)
	if !ok {
		return nil
	}
	return v.(*list.Elem[*Entry]).Value
}

// set inserts e or replaces the entry with the same key. A replaced entry
// counts as newly inserted for the insertion-order view.
func (idx *index) set(e *Entry) (replaced bool) {
	k := e.key()
	if v, ok := idx.tree.Get(k); ok {
		el := v.(*list.Elem[*Entry])
		el.Value = e
		idx.seq.MoveToBack(el)
		return true
	}
	el := idx.seq.PushBack(list.NewElem(e))
	idx.tree.Put(k, el)
	return false
}

func (idx *index) removeElem(el *list.Elem[*Entry]) {
	idx.tree.Remove(el.Value.key())
	idx.seq.PopElem(el)
}

// removeSuffix removes suffix and every name below it.
func (idx *index) removeSuffix(suffix string) int {
	return idx.removeRange(suffix, func(qname string) bool {
		return dnsutils.IsSubDomainOrEqual(qname, suffix)
	})
}

// removeExact removes every entry for qname regardless of the other key fields.
func (idx *index) removeExact(qname string) int {
	return idx.removeRange(qname, func(n string) bool {
		return dnsutils.EqualNames(n, qname)
	})
}

// removeRange removes the run of entries that starts at the lower bound of
// qname and continues while match holds. Correct only for predicates whose
// matches are contiguous in compareKeys order.
func (idx *index) removeRange(qname string, match func(qname string) bool) int {
	start, ok := idx.tree.Ceiling(lowerBound(qname))
	if !ok {
		return 0
	}

	var doomed []*list.Elem[*Entry]
	for n := start; n != nil; n = successor(n) {
		el := n.Value.(*list.Elem[*Entry])
		if !match(el.Value.QName) {
			break
		}
		doomed = append(doomed, el)
	}
	for _, el := range doomed {
		idx.removeElem(el)
	}
	return len(doomed)
}

// successor returns the in-order next node of n.
func successor(n *rbt.Node) *rbt.Node {
	if n.Right != nil {
		n = n.Right
		for n.Left != nil {
			n = n.Left
		}
		return n
	}
	for n.Parent != nil && n == n.Parent.Right {
		n = n.Parent
	}
	return n.Parent
}

func (idx *index) clear() int {
	n := idx.seq.Len()
	idx.tree.Clear()
	idx.seq.Reset()
	return n
}

func (idx *index) oldest() *list.Elem[*Entry] {
	return idx.seq.Front()
}
