package governance

import "github.com/annel0/worldhost/internal/properties"

// Engine применяет политику к конфигурации сервера. Defaults - значения,
// которые сервер использует для ключей, не заданных в файле.
type Engine struct {
	policy   Policy
	defaults *properties.Properties
}

// NewEngine создаёт движок для политики и набора значений по умолчанию.
func NewEngine(policy Policy, defaults *properties.Properties) *Engine {
	if defaults == nil {
		defaults = properties.New()
	}
	return &Engine{policy: policy, defaults: defaults.Clone()}
}

// Policy возвращает политику движка.
func (e *Engine) Policy() Policy { return e.policy }

// Defaults возвращает копию значений по умолчанию.
func (e *Engine) Defaults() *properties.Properties { return e.defaults.Clone() }

// WithPolicy возвращает движок с теми же значениями по умолчанию и другой
// политикой.
func (e *Engine) WithPolicy(p Policy) *Engine {
	return &Engine{policy: p, defaults: e.defaults}
}

// Sanitize объединяет присланную конфигурацию с текущей и приводит результат
// к политике. Функция чистая и всегда возвращает результат; ключи без
// ограничений проходят без изменений. Порядок ключей: значения по умолчанию,
// затем текущая конфигурация, затем присланная.
func (e *Engine) Sanitize(submitted, current *properties.Properties) *properties.Properties {
	out := properties.New()

	for _, key := range e.keys(submitted, current) {
		def, hasDef := e.defaults.Get(key)
		cur, hasCur := current.Get(key)
		sub, hasSub := submitted.Get(key)

		if e.policy.Locked(key) {
			switch {
			case hasCur:
				out.Set(key, cur)
			case hasDef:
				out.Set(key, def)
			}
			continue
		}

		var candidate properties.Value
		switch {
		case hasSub:
			candidate = sub
		case hasCur:
			candidate = cur
		default:
			candidate = def
		}

		lim, limited := e.policy.Limit(key)
		if !limited || lim.Allows(candidate) {
			out.Set(key, candidate)
			continue
		}

		// Нарушение: берём значение по умолчанию, а если и оно вне
		// ограничения (или его нет) - ближайшее допустимое.
		if hasDef && lim.Allows(def) {
			out.Set(key, def)
			continue
		}
		base := candidate
		if hasDef {
			base = def
		}
		if v, ok := lim.Coerce(base); ok {
			out.Set(key, v)
		}
	}
	return out
}

func (e *Engine) keys(submitted, current *properties.Properties) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, src := range []*properties.Properties{e.defaults, current, submitted} {
		for _, k := range src.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Visible возвращает конфигурацию без закрытых ключей.
func (e *Engine) Visible(cfg *properties.Properties) *properties.Properties {
	return Visible(cfg, e.policy)
}

// Visible возвращает вид конфигурации для пользователя: закрытые политикой
// ключи удалены.
func Visible(cfg *properties.Properties, policy Policy) *properties.Properties {
	out := properties.New()
	for _, k := range cfg.Keys() {
		if policy.Locked(k) {
			continue
		}
		v, _ := cfg.Get(k)
		out.Set(k, v)
	}
	return out
}
