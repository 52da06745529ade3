package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// velocityTry - ключ списка серверов по умолчанию в [servers].
const velocityTry = "try"

// VelocitySyncer рендерит velocity.toml: секцию [servers] (имя -> backend,
// пустой try) и [forced-hosts] (хост -> [имя]) поверх базового шаблона.
type VelocitySyncer struct {
	// BasePath - базовый velocity.toml с остальными настройками. Может
	// отсутствовать.
	BasePath string
	// OutputPath - куда писать итоговый конфиг.
	OutputPath string
	// Reload вызывается после записи (например, "velocity reload" в консоль).
	Reload func(ctx context.Context) error
}

func (v *VelocitySyncer) Sync(ctx context.Context, routes []Route) error {
	doc, err := v.base()
	if err != nil {
		return err
	}

	servers := map[string]interface{}{velocityTry: []string{}}
	forced := map[string]interface{}{}
	for _, r := range routes {
		if r.Slug == velocityTry {
			return fmt.Errorf("route %s: server name %q is reserved by velocity", r.WorldID, r.Slug)
		}
		servers[r.Slug] = r.Backend
		forced[r.Hostname] = []string{r.Slug}
	}
	doc["servers"] = servers
	doc["forced-hosts"] = forced

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode velocity config: %w", err)
	}

	if current, err := os.ReadFile(v.OutputPath); err == nil && bytes.Equal(current, buf.Bytes()) {
		return nil
	}
	if err := writeFileAtomic(v.OutputPath, buf.Bytes()); err != nil {
		return fmt.Errorf("write velocity config: %w", err)
	}
	if v.Reload != nil {
		if err := v.Reload(ctx); err != nil {
			return fmt.Errorf("reload velocity: %w", err)
		}
	}
	return nil
}

func (v *VelocitySyncer) base() (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if v.BasePath == "" {
		return doc, nil
	}
	if _, err := toml.DecodeFile(v.BasePath, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("read velocity base config: %w", err)
	}
	return doc, nil
}
