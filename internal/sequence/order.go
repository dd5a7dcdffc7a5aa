package sequence

import (
	"fmt"
	"slices"
)

// Order is an editable list of step names. Editing operations that refer to
// an unknown anchor record an error, reported when a sequence resolves the
// order, so that versioned orders can be built fluently.
type Order struct {
	names []string
	err   error
}

// NewOrder creates an order from names.
func NewOrder(names ...string) *Order {
	return &Order{names: slices.Clone(names)}
}

// Names returns a copy of the step names.
func (o *Order) Names() []string {
	return slices.Clone(o.names)
}

// Err returns the first editing error.
func (o *Order) Err() error {
	return o.err
}

// Contains reports whether name is in the order.
func (o *Order) Contains(name string) bool {
	return slices.Contains(o.names, name)
}

// InsertAfter inserts names directly after anchor.
func (o *Order) InsertAfter(anchor string, names ...string) *Order {
	idx := o.index(anchor)
	if idx < 0 {
		return o
	}
	o.names = slices.Insert(o.names, idx+1, names...)
	return o
}

// InsertBefore inserts names directly before anchor.
func (o *Order) InsertBefore(anchor string, names ...string) *Order {
	idx := o.index(anchor)
	if idx < 0 {
		return o
	}
	o.names = slices.Insert(o.names, idx, names...)
	return o
}

// Append adds names at the end.
func (o *Order) Append(names ...string) *Order {
	o.names = append(o.names, names...)
	return o
}

// Remove deletes the named steps. Absent names are an error.
func (o *Order) Remove(names ...string) *Order {
	for _, name := range names {
		idx := o.index(name)
		if idx < 0 {
			return o
		}
		o.names = slices.Delete(o.names, idx, idx+1)
	}
	return o
}

// Replace substitutes names for old, keeping its position.
func (o *Order) Replace(old string, names ...string) *Order {
	idx := o.index(old)
	if idx < 0 {
		return o
	}
	o.names = slices.Replace(o.names, idx, idx+1, names...)
	return o
}

func (o *Order) index(name string) int {
	if o.err != nil {
		return -1
	}
	idx := slices.Index(o.names, name)
	if idx < 0 {
		o.err = fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	return idx
}
