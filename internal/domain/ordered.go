package domain

// OrderedMap is a string-keyed map that iterates in insertion order.
// Overwriting a key keeps its original position.
type OrderedMap[V any] struct {
	keys []string
	vals map[string]V
}

func (m *OrderedMap[V]) Set(key string, v V) {
	if m.vals == nil {
		m.vals = make(map[string]V)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

func (m *OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

func (m *OrderedMap[V]) Delete(key string) bool {
	if _, ok := m.vals[key]; !ok {
		return false
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

func (m *OrderedMap[V]) Len() int { return len(m.keys) }

// Values returns the values in insertion order.
func (m *OrderedMap[V]) Values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.vals[k])
	}
	return out
}

func (m *OrderedMap[V]) Clone() OrderedMap[V] {
	var c OrderedMap[V]
	for _, k := range m.keys {
		c.Set(k, m.vals[k])
	}
	return c
}
