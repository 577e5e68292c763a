package types

import "strings"

// CapSet is a set of type capabilities.
type CapSet uint8

const (
	Drop CapSet = 1 << iota
	Copy
	Persist
	Primitive
	Value
	Unbound
)

const (
	NoCaps  CapSet = 0
	AllCaps        = Drop | Copy | Persist | Primitive | Value | Unbound

	// RecursiveCaps are only held by a compound type when every non-phantom
	// argument holds them too.
	RecursiveCaps = Drop | Copy | Persist | Primitive | Value
	// LitCaps are the capabilities of literal types.
	LitCaps = Drop | Copy | Persist | Primitive | Value | Unbound
)

var capNames = []struct {
	cap  CapSet
	name string
}{
	{Drop, "Drop"},
	{Copy, "Copy"},
	{Persist, "Persist"},
	{Primitive, "Primitive"},
	{Value, "Value"},
	{Unbound, "Unbound"},
}

func (c CapSet) Has(other CapSet) bool {
	return c&other == other
}

func (c CapSet) Union(other CapSet) CapSet {
	return c | other
}

func (c CapSet) Intersect(other CapSet) CapSet {
	return c & other
}

func (c CapSet) String() string {
	var names []string
	for _, n := range capNames {
		if c.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// PermSet is a set of permissions on a type or callable.
type PermSet uint8

const (
	Create PermSet = 1 << iota
	Consume
	Inspect
	Call
	Implement
)

var permNames = []struct {
	perm PermSet
	name string
}{
	{Create, "Create"},
	{Consume, "Consume"},
	{Inspect, "Inspect"},
	{Call, "Call"},
	{Implement, "Implement"},
}

func (p PermSet) Has(other PermSet) bool {
	return p&other == other
}

func (p PermSet) String() string {
	var names []string
	for _, n := range permNames {
		if p.Has(n.perm) {
			names = append(names, n.name)
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}
