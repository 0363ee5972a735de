package document

// Dictionary is a fixed enumeration of label values mapped to dense indices,
// used by classifier heads to translate between score vectors and label
// strings.
type Dictionary struct {
	indices map[string]int
	items   []string
}

func NewDictionary(items ...string) *Dictionary {
	d := &Dictionary{indices: map[string]int{}}
	for _, item := range items {
		d.Add(item)
	}
	return d
}

// Add inserts the item if absent and returns its index.
func (d *Dictionary) Add(item string) int {
	if idx, ok := d.indices[item]; ok {
		return idx
	}
	idx := len(d.items)
	d.indices[item] = idx
	d.items = append(d.items, item)
	return idx
}

// Index returns the index of item and whether it is present.
func (d *Dictionary) Index(item string) (int, bool) {
	idx, ok := d.indices[item]
	return idx, ok
}

// ItemAt returns the item at index, or "" when out of range.
func (d *Dictionary) ItemAt(index int) string {
	if index < 0 || index >= len(d.items) {
		return ""
	}
	return d.items[index]
}

// Items returns all items in index order.
func (d *Dictionary) Items() []string {
	out := make([]string, len(d.items))
	copy(out, d.items)
	return out
}

func (d *Dictionary) Len() int {
	return len(d.items)
}
