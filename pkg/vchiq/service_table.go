// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

const (
	// handleSlotBits is the amount of lower handle bits addressing a slot. The upper bits are a sequence number.
	handleSlotBits = 12
	handleSlotMask = 1<<handleSlotBits - 1
	handleSeqMax   = 1<<(32-handleSlotBits) - 1
)

// serviceTable maps handles to Services. All methods must be called while holding the Link's mutex.
type serviceTable struct {
	slots []*Service
	seq   uint32
}

func newServiceTable(size int) *serviceTable {
	return &serviceTable{slots: make([]*Service, size)}
}

// nextHandle for a slot index.
func (t *serviceTable) nextHandle(slot int) ServiceHandle {
	if t.seq++; t.seq > handleSeqMax {
		t.seq = 1
	}
	return ServiceHandle(t.seq<<handleSlotBits | uint32(slot))
}

// insert a new Service into the first free slot, built by the newService function.
func (t *serviceTable) insert(build func(ServiceHandle) *Service) (*Service, error) {
	for i, s := range t.slots {
		if s != nil {
			continue
		}

		s = build(t.nextHandle(i))
		t.slots[i] = s
		return s, nil
	}
	return nil, ErrNoResources
}

// lookup a Service, including freed ones which are still referenced.
func (t *serviceTable) lookup(h ServiceHandle) *Service {
	if h == InvalidHandle {
		return nil
	}

	slot := int(h & handleSlotMask)
	if slot >= len(t.slots) {
		return nil
	}

	if s := t.slots[slot]; s != nil && s.handle == h {
		return s
	}
	return nil
}

// find a Service which is not FREE.
func (t *serviceTable) find(h ServiceHandle) *Service {
	if s := t.lookup(h); s != nil && s.state != ServiceFree {
		return s
	}
	return nil
}

// release a Service's slot.
func (t *serviceTable) release(s *Service) {
	slot := int(s.handle & handleSlotMask)
	if slot < len(t.slots) && t.slots[slot] == s {
		t.slots[slot] = nil
	}
}

// byInstance returns all non-FREE Services owned by an Instance.
func (t *serviceTable) byInstance(inst *Instance) (services []*Service) {
	for _, s := range t.slots {
		if s != nil && s.instance == inst && s.state != ServiceFree {
			services = append(services, s)
		}
	}
	return
}

// active returns all non-FREE Services.
func (t *serviceTable) active() (services []*Service) {
	for _, s := range t.slots {
		if s != nil && s.state != ServiceFree {
			services = append(services, s)
		}
	}
	return
}
