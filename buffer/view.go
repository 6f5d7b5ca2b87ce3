// Package buffer provides View, the named byte-slice the rdt packet and
// reassembly paths share for payloads, with trimming helpers (TrimFront,
// CapLength) that those paths do not call. Adapted from the
// teacher's buffer package; the vectorised, non-contiguous view used for
// scatter-gather NIC I/O has no counterpart here and was dropped, since a
// packet's payload is always one contiguous allocation.
package buffer

// View is a slice of a buffer, with convenience methods
type View []byte

// NewView allocates a new buffer and returns an initialized view that covers
// the whole buffer
func NewView(size int) View {
	return make(View, size)
}

// CapLength irreversibly reduces the length of the visible section of the
// buffer to the value specified
func (v *View) CapLength(length int) {
	// We also set the slice cap because if we don't, one would be able to
	// expand the view back to include the region just excluded. We want to
	// prevent that to avoid potential data leak if we have uninitialized
	// data in excluding region
	*v = (*v)[:length:length]
}

// TrimFront removes the first "count" bytes from the visible section of the
// buffer
func (v *View) TrimFront(count int) {
	*v = (*v)[count:]
}
