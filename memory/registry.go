package memory

import "sync"

// groupRegistry is the process-wide map from IOMMU group number to the
// already-open container file descriptor for that group, so that multiple
// devices in one group join the same container instead of each opening its
// own (spec.md DESIGN NOTES, "Global state"; grounded on vfio.rs's
// VFIO_GROUP_FILE_DESCRIPTORS lazy_static map). Guarded by a process-wide
// mutex and reference-counted so the container is only closed once the last
// device using it releases it.
// groupHandle bundles the two file descriptors every device in a group
// shares: the VFIO container they were all added to, and the VFIO group
// itself. Unlike the original implementation (which reopens a fresh
// container per device while only caching the group fd), we cache both
// together so every device in a group joins the same container.
type groupHandle struct {
	containerFD int
	groupFD     int
}

type groupRegistry struct {
	mu      sync.Mutex
	groups  map[int]groupHandle
	refs    map[int]int
	iovaSet bool
	iova    uint8
}

var groups = &groupRegistry{
	groups: make(map[int]groupHandle),
	refs:   make(map[int]int),
}

// handle returns the container/group fd pair for group, calling open if
// this is the first device in that group seen by this process.
func (r *groupRegistry) handle(group int, open func() (groupHandle, error)) (groupHandle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.groups[group]; ok {
		r.refs[group]++
		return h, true, nil
	}

	h, err := open()
	if err != nil {
		return groupHandle{}, false, err
	}
	r.groups[group] = h
	r.refs[group] = 1
	return h, false, nil
}

// release drops one reference to group's handle, closing it via closeFn
// when the last reference goes away.
func (r *groupRegistry) release(group int, closeFn func(groupHandle) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs[group]--
	if r.refs[group] > 0 {
		return nil
	}
	h := r.groups[group]
	delete(r.groups, group)
	delete(r.refs, group)
	return closeFn(h)
}

// recordIOVAWidth stores the guest address width discovered for the first
// IOMMU probed by this process (spec.md DESIGN NOTES: "likewise a
// process-wide state"). Later probes are not overridden — the first device's
// IOMMU is assumed representative of the process's allocation strategy.
func (r *groupRegistry) recordIOVAWidth(width uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.iovaSet {
		r.iova = width
		r.iovaSet = true
	}
}

func (r *groupRegistry) iovaWidth() (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iova, r.iovaSet
}
