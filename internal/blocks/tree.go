package blocks

import "sort"

// Tree is a read-only index over a flat block list. Child order is rebuilt
// from ParentID/SortOrder on demand; no block holds pointers to another.
type Tree struct {
	blocks []Block
	byID   map[string]int
}

func NewTree(list []Block) *Tree {
	t := &Tree{blocks: list, byID: make(map[string]int, len(list))}
	for i, b := range list {
		if _, exists := t.byID[b.ID]; !exists {
			t.byID[b.ID] = i
		}
	}
	return t
}

func (t *Tree) Len() int {
	return len(t.blocks)
}

func (t *Tree) Get(id string) (Block, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Block{}, false
	}
	return t.blocks[i], true
}

// TopLevel returns blocks with no parent in sort order. Blocks whose parent
// is missing or not a columns block are not promoted here; see Orphans.
func (t *Tree) TopLevel() []Block {
	var out []int
	for i, b := range t.blocks {
		if b.ParentID == nil {
			out = append(out, i)
		}
	}
	return t.ordered(out)
}

// Slots returns the children of a columns block grouped by column slot.
// Children with an out-of-range slot are shown in the last slot.
func (t *Tree) Slots(id string) ([][]Block, error) {
	parent, ok := t.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !parent.Type.Nests() {
		return nil, ErrNotContainer
	}
	count := SlotCount(parent)
	groups := make([][]int, count)
	for i, b := range t.blocks {
		if b.Parent() != id {
			continue
		}
		slot := b.Column()
		if slot < 0 {
			slot = 0
		}
		if slot >= count {
			slot = count - 1
		}
		groups[slot] = append(groups[slot], i)
	}
	out := make([][]Block, count)
	for slot, idx := range groups {
		out[slot] = t.ordered(idx)
	}
	return out, nil
}

// Children returns the direct children of id ordered by slot then sortOrder.
func (t *Tree) Children(id string) []Block {
	var idx []int
	for i, b := range t.blocks {
		if b.Parent() == id && id != "" {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		left, right := t.blocks[idx[a]], t.blocks[idx[b]]
		if left.Column() != right.Column() {
			return left.Column() < right.Column()
		}
		return left.SortOrder < right.SortOrder
	})
	out := make([]Block, len(idx))
	for i, j := range idx {
		out[i] = t.blocks[j]
	}
	return out
}

// Depth counts the ancestors of id. A missing parent or a cycle ends the
// walk.
func (t *Tree) Depth(id string) int {
	b, ok := t.Get(id)
	if !ok {
		return 0
	}
	depth := 0
	seen := map[string]bool{id: true}
	for b.ParentID != nil && !seen[*b.ParentID] {
		parent, ok := t.Get(*b.ParentID)
		if !ok {
			break
		}
		seen[parent.ID] = true
		depth++
		b = parent
	}
	return depth
}

// CheckLimits reports ErrTooMany or ErrTooDeep when list exceeds MaxBlocks
// or MaxDepth.
func CheckLimits(list []Block) error {
	if len(list) > MaxBlocks {
		return ErrTooMany
	}
	tree := NewTree(list)
	for _, b := range list {
		if b.ParentID != nil && tree.Depth(b.ID) > MaxDepth {
			return ErrTooDeep
		}
	}
	return nil
}

// Subtree returns id followed by every descendant id (breadth first).
func (t *Tree) Subtree(id string) []string {
	if _, ok := t.byID[id]; !ok {
		return nil
	}
	children := make(map[string][]string)
	for _, b := range t.blocks {
		if b.ParentID != nil {
			children[*b.ParentID] = append(children[*b.ParentID], b.ID)
		}
	}
	out := []string{id}
	seen := map[string]bool{id: true}
	for i := 0; i < len(out); i++ {
		for _, child := range children[out[i]] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
		}
	}
	return out
}

// Orphans returns blocks whose ParentID points at a missing block or at a
// block that cannot nest.
func (t *Tree) Orphans() []Block {
	var out []Block
	for _, b := range t.blocks {
		if b.ParentID == nil {
			continue
		}
		parent, ok := t.Get(*b.ParentID)
		if !ok || !parent.Type.Nests() {
			out = append(out, b)
		}
	}
	return out
}

func (t *Tree) ordered(idx []int) []Block {
	sort.SliceStable(idx, func(a, b int) bool {
		return t.blocks[idx[a]].SortOrder < t.blocks[idx[b]].SortOrder
	})
	out := make([]Block, len(idx))
	for i, j := range idx {
		out[i] = t.blocks[j]
	}
	return out
}

type groupKey struct {
	parent string
	slot   int
}

func keyOf(b Block) groupKey {
	if b.ParentID == nil {
		return groupKey{}
	}
	return groupKey{parent: *b.ParentID, slot: b.Column()}
}

// groupMembers returns indexes of list in key's sibling group, ordered.
func groupMembers(list []Block, key groupKey, skip string) []int {
	var idx []int
	for i, b := range list {
		if b.ID == skip {
			continue
		}
		if keyOf(b) == key {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return list[idx[a]].SortOrder < list[idx[b]].SortOrder
	})
	return idx
}

// Renumber returns a copy of list with sortOrder dense (0..n-1) inside every
// sibling group. Relative order is kept; ties keep input order.
func Renumber(list []Block) []Block {
	out := CloneAll(list)
	seen := make(map[groupKey]bool)
	for _, b := range out {
		key := keyOf(b)
		if seen[key] {
			continue
		}
		seen[key] = true
		for pos, i := range groupMembers(out, key, "") {
			out[i].SortOrder = pos
		}
	}
	return out
}

// Insert adds b to list at position index of its sibling group and
// renumbers that group.
func Insert(list []Block, b Block, index int) []Block {
	out := CloneAll(list)
	members := groupMembers(out, keyOf(b), b.ID)
	if index < 0 || index > len(members) {
		index = len(members)
	}
	out = append(out, Clone(b))
	ordered := make([]int, 0, len(members)+1)
	ordered = append(ordered, members[:index]...)
	ordered = append(ordered, len(out)-1)
	ordered = append(ordered, members[index:]...)
	for pos, i := range ordered {
		out[i].SortOrder = pos
	}
	return out
}

// Remove deletes id and its whole subtree, renumbering the old sibling group.
func Remove(list []Block, id string) ([]Block, error) {
	tree := NewTree(list)
	target, ok := tree.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	doomed := make(map[string]bool)
	for _, sub := range tree.Subtree(id) {
		doomed[sub] = true
	}
	out := make([]Block, 0, len(list))
	for _, b := range list {
		if !doomed[b.ID] {
			out = append(out, Clone(b))
		}
	}
	for pos, i := range groupMembers(out, keyOf(target), "") {
		out[i].SortOrder = pos
	}
	return out, nil
}

// Move re-parents id under parentID (nil for top level) at slot/index.
// Both the old and the new sibling groups are renumbered; ids never change.
func Move(list []Block, id string, parentID *string, slot, index int) ([]Block, error) {
	tree := NewTree(list)
	moving, ok := tree.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if parentID != nil {
		parent, ok := tree.Get(*parentID)
		if !ok {
			return nil, ErrNotFound
		}
		if !parent.Type.Nests() {
			return nil, ErrNotContainer
		}
		for _, sub := range tree.Subtree(id) {
			if sub == *parentID {
				return nil, ErrCycle
			}
		}
		if slot < 0 || slot >= SlotCount(parent) {
			return nil, ErrSlotRange
		}
	} else {
		slot = 0
	}

	out := CloneAll(list)
	oldKey := keyOf(moving)
	var pos int
	for i := range out {
		if out[i].ID == id {
			pos = i
			break
		}
	}
	if parentID != nil {
		out[pos].ParentID = StringPtr(*parentID)
	} else {
		out[pos].ParentID = nil
	}
	out[pos].SetColumn(slot)
	newKey := keyOf(out[pos])

	if oldKey != newKey {
		for n, i := range groupMembers(out, oldKey, id) {
			out[i].SortOrder = n
		}
	}
	members := groupMembers(out, newKey, id)
	if index < 0 || index > len(members) {
		index = len(members)
	}
	ordered := make([]int, 0, len(members)+1)
	ordered = append(ordered, members[:index]...)
	ordered = append(ordered, pos)
	ordered = append(ordered, members[index:]...)
	for n, i := range ordered {
		out[i].SortOrder = n
	}
	return out, nil
}

// Duplicate copies the subtree rooted at id, giving every copied node a fresh
// id from newID and remapping ParentID links inside the copy. The copy is
// placed right after the original in the same sibling group.
func Duplicate(list []Block, id string, newID func() string) ([]Block, string, error) {
	tree := NewTree(list)
	original, ok := tree.Get(id)
	if !ok {
		return nil, "", ErrNotFound
	}
	subtree := tree.Subtree(id)
	remap := make(map[string]string, len(subtree))
	for _, old := range subtree {
		remap[old] = newID()
	}

	out := CloneAll(list)
	for _, old := range subtree {
		src, _ := tree.Get(old)
		cp := Clone(src)
		cp.ID = remap[old]
		if cp.ParentID != nil {
			if mapped, ok := remap[*cp.ParentID]; ok {
				cp.ParentID = StringPtr(mapped)
			}
		}
		out = append(out, cp)
	}

	key := keyOf(original)
	rootID := remap[id]
	members := groupMembers(out, key, rootID)
	var rootIdx int
	for i := range out {
		if out[i].ID == rootID {
			rootIdx = i
			break
		}
	}
	ordered := make([]int, 0, len(members)+1)
	for _, i := range members {
		ordered = append(ordered, i)
		if out[i].ID == id {
			ordered = append(ordered, rootIdx)
		}
	}
	for n, i := range ordered {
		out[i].SortOrder = n
	}
	return out, rootID, nil
}

// RemapIDs assigns a fresh id to every block, rewriting ParentID links that
// point inside the set. Links to blocks outside the set are left untouched.
func RemapIDs(list []Block, newID func() string) []Block {
	remap := make(map[string]string, len(list))
	for _, b := range list {
		if _, ok := remap[b.ID]; !ok {
			remap[b.ID] = newID()
		}
	}
	out := CloneAll(list)
	for i := range out {
		out[i].ID = remap[out[i].ID]
		if out[i].ParentID != nil {
			if mapped, ok := remap[*out[i].ParentID]; ok {
				out[i].ParentID = StringPtr(mapped)
			}
		}
	}
	return out
}
