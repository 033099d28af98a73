package keyval

import "fmt"

type condOp int

const (
	opExists condOp = iota
	opNotExists
	opEq
	opNe
	opAnd
	opOr
)

// Cond is a condition expression evaluated against a stored item at write
// time. Build conditions with the package constructors and combine them with
// And/Or.
type Cond struct {
	op    condOp
	attr  string
	value any
	subs  []Cond
}

// AttrExists holds when the attribute is present on the stored item.
func AttrExists(name string) Cond { return Cond{op: opExists, attr: name} }

// AttrNotExists holds when the attribute is absent, including when no item
// is stored at all.
func AttrNotExists(name string) Cond { return Cond{op: opNotExists, attr: name} }

// Eq holds when the attribute is present and equal to v.
func Eq(name string, v any) Cond { return Cond{op: opEq, attr: name, value: v} }

// Ne holds when the attribute differs from v or is absent. Ne on the key
// attribute is the conditional-insert idiom: it holds only when no item is
// stored under that key.
func Ne(name string, v any) Cond { return Cond{op: opNe, attr: name, value: v} }

// And holds when every sub-condition holds.
func And(subs ...Cond) Cond { return Cond{op: opAnd, subs: subs} }

// Or holds when at least one sub-condition holds.
func Or(subs ...Cond) Cond { return Cond{op: opOr, subs: subs} }

// eval checks the condition against an item. A nil item means nothing is
// stored under the key.
func (c Cond) eval(item Item) bool {
	switch c.op {
	case opExists:
		return item != nil && Has(item, c.attr)
	case opNotExists:
		return item == nil || !Has(item, c.attr)
	case opEq:
		return item != nil && Has(item, c.attr) && valueEq(item[c.attr], c.value)
	case opNe:
		return item == nil || !Has(item, c.attr) || !valueEq(item[c.attr], c.value)
	case opAnd:
		for _, s := range c.subs {
			if !s.eval(item) {
				return false
			}
		}
		return true
	case opOr:
		for _, s := range c.subs {
			if s.eval(item) {
				return true
			}
		}
		return false
	}
	return false
}

// valueEq compares attribute values across the numeric representations the
// backends produce (int64 in memory, float64 from JSON decoding).
func valueEq(a, b any) bool {
	if a == b {
		return true
	}
	return canonical(a) == canonical(b)
}

func canonical(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return fmt.Sprintf("%d", x)
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%d", int64(x))
	case bool:
		return fmt.Sprintf("%t", x)
	}
	return fmt.Sprintf("%v", v)
}
