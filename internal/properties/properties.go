package properties

// Properties is an ordered mapping of configuration keys to values. Keys keep
// the order in which they were first set.
type Properties struct {
	keys   []string
	values map[string]Value
}

// New returns an empty mapping.
func New() *Properties {
	return &Properties{values: make(map[string]Value)}
}

// FromMap builds a mapping from raw strings, inferring value kinds. Keys are
// taken in the order given by order; keys missing from order follow sorted.
func FromMap(m map[string]string, order ...string) *Properties {
	p := New()
	for _, k := range order {
		if v, ok := m[k]; ok {
			p.Set(k, Parse(v))
		}
	}
	for _, k := range sortedKeys(m) {
		if !p.Has(k) {
			p.Set(k, Parse(m[k]))
		}
	}
	return p
}

// Get returns the value for key.
func (p *Properties) Get(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present.
func (p *Properties) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set stores value under key, appending key if it is new.
func (p *Properties) Set(key string, value Value) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// SetString is Set with kind inference.
func (p *Properties) SetString(key, raw string) {
	p.Set(key, Parse(raw))
}

// Delete removes key.
func (p *Properties) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of entries.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	c := New()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Map flattens the mapping to raw strings.
func (p *Properties) Map() map[string]string {
	out := make(map[string]string, p.Len())
	if p == nil {
		return out
	}
	for k, v := range p.values {
		out[k] = v.String()
	}
	return out
}

// Equal reports whether both mappings hold the same keys, order and values.
func (p *Properties) Equal(o *Properties) bool {
	if p.Len() != o.Len() {
		return false
	}
	for i, k := range p.Keys() {
		if o.keys[i] != k || !p.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}
