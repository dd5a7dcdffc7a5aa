// Package dmc defines the data model contexts that identify elements of a
// debug target: the backend control, processes, containers (inferiors),
// threads, groups, breakpoints, CPUs and cores, stack frames and trace
// records.
//
// Contexts are immutable values. Each carries its parent chain, and two
// contexts are equal when their kind, id and parents are equal, which is
// captured by Key. Services create contexts through their own factory
// methods; consumers only pass them back.
package dmc

import "strings"

// Context identifies an element of the debug model.
type Context interface {
	// SessionID returns the id of the session owning the context.
	SessionID() string

	// Parents returns the direct parents of the context.
	Parents() []Context

	// Key returns a string that is equal for equal contexts.
	Key() string

	String() string
}

// Equal reports whether a and b identify the same element.
func Equal(a, b Context) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// Ancestor returns ctx itself or its nearest ancestor of type T, searching
// the parent chain depth first in declaration order.
func Ancestor[T Context](ctx Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	if t, ok := ctx.(T); ok {
		return t, true
	}
	for _, p := range ctx.Parents() {
		if t, ok := Ancestor[T](p); ok {
			return t, true
		}
	}
	return zero, false
}

// IsAncestor reports whether anc is ctx or one of its ancestors.
func IsAncestor(anc, ctx Context) bool {
	if ctx == nil || anc == nil {
		return false
	}
	if Equal(anc, ctx) {
		return true
	}
	for _, p := range ctx.Parents() {
		if IsAncestor(anc, p) {
			return true
		}
	}
	return false
}

// Covers reports whether scope takes in ctx. A nil scope and the group of
// everything take in every context; otherwise scope must be ctx or one of
// its ancestors.
func Covers(scope, ctx ExecutionContext) bool {
	if scope == nil {
		return true
	}
	if g, ok := scope.(*Group); ok && g.IsGroupAll() {
		return true
	}
	return IsAncestor(scope, ctx)
}

// BreakpointsTarget is a context breakpoints can be installed in.
type BreakpointsTarget interface {
	Context
	breakpointsTarget()
}

// MemoryTarget is a context whose memory can be read and written.
type MemoryTarget interface {
	Context
	memoryTarget()
}

// ExecutionContext is a context that can be resumed and suspended.
type ExecutionContext interface {
	Context
	executionContext()
}

type base struct {
	session string
	parents []Context
	key     string
}

func newBase(session, kind, id string, parents ...Context) base {
	var sb strings.Builder
	for i, p := range parents {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.Key())
	}
	if len(parents) > 0 {
		sb.WriteByte('.')
	} else {
		sb.WriteString(session)
		sb.WriteByte('.')
	}
	sb.WriteString(kind)
	sb.WriteByte('(')
	sb.WriteString(id)
	sb.WriteByte(')')
	return base{session: session, parents: parents, key: sb.String()}
}

func (b base) SessionID() string  { return b.session }
func (b base) Parents() []Context { return b.parents }
func (b base) Key() string        { return b.key }
func (b base) String() string     { return b.key }
