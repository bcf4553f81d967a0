package heapimpl

// Alloc is the generic form of the raw allocator API's alloc<T>: it
// reserves a Header of the given tag and byte size, invokes construct to
// build the concrete Go object, and installs the Header (complete with
// its back-reference) into the object's embedded Hdr field before
// returning it. PT is the object's pointer type, constrained to embed
// Header and implement Object by returning its address.
func Alloc[T any, PT interface {
	*T
	Object
}](h *Heap, tag TypeTag, size uintptr, construct func() PT) (PT, error) {
	hdr, err := h.Reserve(tag, size)
	if err != nil {
		var zero PT
		return zero, err
	}
	obj := construct()
	hp := obj.HeapHeader()
	*hp = hdr
	hp.obj = obj
	return obj, nil
}
