package governance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/annel0/worldhost/internal/properties"
	"gopkg.in/yaml.v3"
)

// Limit ограничивает допустимые значения одного ключа конфигурации.
// Реализации: Bound (числовой диапазон) и OneOf (перечисление).
type Limit interface {
	// Allows сообщает, удовлетворяет ли значение ограничению.
	Allows(v properties.Value) bool
	// Coerce приводит значение к ближайшему допустимому.
	// ok == false, если допустимого значения не существует.
	Coerce(v properties.Value) (properties.Value, bool)
	// String возвращает текстовую форму ограничения (">N", "<N", "a|b|c").
	String() string
}

// Bound - включительный числовой диапазон. nil означает отсутствие границы.
type Bound struct {
	Min *int64
	Max *int64
}

// AtLeast и AtMost - короткие конструкторы односторонних границ.
func AtLeast(n int64) Bound { return Bound{Min: &n} }
func AtMost(n int64) Bound  { return Bound{Max: &n} }

// Between задаёт двустороннюю границу.
func Between(min, max int64) Bound { return Bound{Min: &min, Max: &max} }

func (b Bound) Allows(v properties.Value) bool {
	n, ok := v.Int()
	if !ok {
		return false
	}
	if b.Min != nil && n < *b.Min {
		return false
	}
	if b.Max != nil && n > *b.Max {
		return false
	}
	return true
}

// Coerce обрезает значение до нарушенной границы. Нечисловое значение
// заменяется нижней границей, при её отсутствии - верхней.
func (b Bound) Coerce(v properties.Value) (properties.Value, bool) {
	n, ok := v.Int()
	switch {
	case !ok && b.Min != nil:
		return properties.Int(*b.Min), true
	case !ok && b.Max != nil:
		return properties.Int(*b.Max), true
	case !ok:
		return properties.Value{}, false
	case b.Min != nil && n < *b.Min:
		return properties.Int(*b.Min), true
	case b.Max != nil && n > *b.Max:
		return properties.Int(*b.Max), true
	}
	return v, true
}

func (b Bound) String() string {
	switch {
	case b.Min != nil && b.Max != nil:
		return fmt.Sprintf("%d..%d", *b.Min, *b.Max)
	case b.Min != nil:
		return ">" + strconv.FormatInt(*b.Min, 10)
	case b.Max != nil:
		return "<" + strconv.FormatInt(*b.Max, 10)
	}
	return ""
}

// OneOf - конечное множество допустимых значений.
type OneOf struct {
	Allowed []string
}

func (o OneOf) Allows(v properties.Value) bool {
	for _, a := range o.Allowed {
		if a == v.String() {
			return true
		}
	}
	return false
}

// Coerce возвращает первое допустимое значение.
func (o OneOf) Coerce(v properties.Value) (properties.Value, bool) {
	if o.Allows(v) {
		return v, true
	}
	if len(o.Allowed) == 0 {
		return properties.Value{}, false
	}
	return properties.Enum(o.Allowed[0]), true
}

func (o OneOf) String() string { return strings.Join(o.Allowed, "|") }

// ParseLimit разбирает текстовую форму ограничения:
//
//	">N"   - значение не меньше N
//	"<N"   - значение не больше N
//	"N..M" - значение в диапазоне [N, M]
//	"a|b"  - одно из перечисленных значений
//
// Текст, начинающийся с '>' или '<', но не являющийся числом, трактуется как
// перечисление.
func ParseLimit(text string) (Limit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty limit")
	}

	if text[0] == '>' || text[0] == '<' {
		if n, err := strconv.ParseInt(strings.TrimSpace(text[1:]), 10, 64); err == nil {
			if text[0] == '>' {
				return AtLeast(n), nil
			}
			return AtMost(n), nil
		}
	}

	if lo, hi, found := strings.Cut(text, ".."); found {
		min, errMin := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		max, errMax := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if errMin == nil && errMax == nil {
			if min > max {
				return nil, fmt.Errorf("limit %q: lower bound exceeds upper bound", text)
			}
			return Between(min, max), nil
		}
	}

	return OneOf{Allowed: strings.Split(text, "|")}, nil
}

// Limits - ограничения по ключам. В YAML и JSON хранятся в текстовой форме.
type Limits map[string]Limit

func (l Limits) text() map[string]string {
	out := make(map[string]string, len(l))
	for k, v := range l {
		out[k] = v.String()
	}
	return out
}

func parseLimits(raw map[string]string) (Limits, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Limits, len(raw))
	for _, k := range keys {
		lim, err := ParseLimit(raw[k])
		if err != nil {
			return nil, fmt.Errorf("limit for %q: %w", k, err)
		}
		out[k] = lim
	}
	return out, nil
}

func (l Limits) MarshalYAML() (interface{}, error) {
	return l.text(), nil
}

func (l *Limits) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseLimits(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l Limits) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.text())
}

func (l *Limits) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseLimits(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
