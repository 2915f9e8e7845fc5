package broadcast

import (
	"context"
	"sync"
)

// membership tracks local members per group. Shared by both Group
// implementations.
type membership struct {
	mu     sync.RWMutex
	groups map[string]map[Member]struct{}
}

func newMembership() membership {
	return membership{groups: make(map[string]map[Member]struct{})}
}

// add reports whether m is the first member of group.
func (ms *membership) add(group string, m Member) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	members, ok := ms.groups[group]
	if !ok {
		members = make(map[Member]struct{})
		ms.groups[group] = members
	}
	members[m] = struct{}{}
	return !ok
}

// remove reports whether group became empty.
func (ms *membership) remove(group string, m Member) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	members, ok := ms.groups[group]
	if !ok {
		return false
	}
	delete(members, m)
	if len(members) == 0 {
		delete(ms.groups, group)
		return true
	}
	return false
}

func (ms *membership) snapshot(group string) []Member {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	members := ms.groups[group]
	out := make([]Member, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

func (ms *membership) size(group string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.groups[group])
}

func (ms *membership) deliver(group string, ev Event) int {
	members := ms.snapshot(group)
	for _, m := range members {
		m.Deliver(ev)
	}
	return len(members)
}

// MemoryGroup fans events out to members in this process.
type MemoryGroup struct {
	members membership
}

func NewMemoryGroup() *MemoryGroup {
	return &MemoryGroup{members: newMembership()}
}

func (g *MemoryGroup) Join(_ context.Context, group string, m Member) error {
	g.members.add(group, m)
	return nil
}

func (g *MemoryGroup) Leave(_ context.Context, group string, m Member) error {
	g.members.remove(group, m)
	return nil
}

func (g *MemoryGroup) Publish(ctx context.Context, group string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.members.deliver(group, ev)
	return nil
}

// Size returns the number of members in group.
func (g *MemoryGroup) Size(group string) int {
	return g.members.size(group)
}
