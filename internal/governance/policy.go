package governance

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed policy.schema.json
var policySchemaJSON string

var policySchema = jsonschema.MustCompileString("policy.schema.json", policySchemaJSON)

var (
	// ErrMemoryBelowMinimum - запрошено меньше памяти, чем глобальный минимум.
	ErrMemoryBelowMinimum = errors.New("memory below minimum")
	// ErrMemoryLimit - запрошено больше памяти, чем разрешено политикой.
	ErrMemoryLimit = errors.New("memory exceeds policy limit")
	// ErrInvalidPolicy - документ политики не соответствует схеме.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Policy описывает, какие ключи конфигурации может менять пользователь и в
// каких пределах.
type Policy struct {
	Blacklist    []string `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
	Whitelist    []string `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Limits       Limits   `yaml:"limits,omitempty" json:"limits,omitempty"`
	MaxMemoryMiB int      `yaml:"max_memory_mib,omitempty" json:"max_memory_mib,omitempty"`
}

// Locked сообщает, закрыт ли ключ для пользователя: он в чёрном списке, либо
// белый список непуст и ключа в нём нет.
func (p Policy) Locked(key string) bool {
	for _, k := range p.Blacklist {
		if k == key {
			return true
		}
	}
	if len(p.Whitelist) == 0 {
		return false
	}
	for _, k := range p.Whitelist {
		if k == key {
			return false
		}
	}
	return true
}

// Limit возвращает ограничение для ключа.
func (p Policy) Limit(key string) (Limit, bool) {
	l, ok := p.Limits[key]
	return l, ok && l != nil
}

// CheckMemory проверяет объём памяти мира против глобального минимума и
// лимита политики (0 - без лимита).
func (p Policy) CheckMemory(miB, minimum int) error {
	if miB < minimum {
		return fmt.Errorf("%w: %d MiB < %d MiB", ErrMemoryBelowMinimum, miB, minimum)
	}
	if p.MaxMemoryMiB > 0 && miB > p.MaxMemoryMiB {
		return fmt.Errorf("%w: %d MiB > %d MiB", ErrMemoryLimit, miB, p.MaxMemoryMiB)
	}
	return nil
}

// IsZero сообщает, что политика ничего не ограничивает.
func (p Policy) IsZero() bool {
	return len(p.Blacklist) == 0 && len(p.Whitelist) == 0 && len(p.Limits) == 0 && p.MaxMemoryMiB == 0
}

// ParsePolicy разбирает политику из YAML или JSON (формат определяется по
// первому значащему символу). Документ проверяется по policy.schema.json.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return p, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		if err := validatePolicy(data); err != nil {
			return Policy{}, err
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy json: %w", err)
		}
		return p, nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	if doc == nil {
		return p, nil
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	if err := validatePolicy(asJSON); err != nil {
		return Policy{}, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	return p, nil
}

func validatePolicy(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse policy json: %w", err)
	}
	if err := policySchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

// LoadPolicyFile читает политику из файла. Отсутствующий файл - пустая политика.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Policy{}, nil
	}
	if err != nil {
		return Policy{}, err
	}
	return ParsePolicy(data)
}

// SavePolicyFile записывает политику в YAML или JSON по расширению файла.
func SavePolicyFile(path string, p Policy) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(p, "", "  ")
	} else {
		data, err = yaml.Marshal(p)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
