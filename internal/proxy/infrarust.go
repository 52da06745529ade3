package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const infrarustExt = ".yml"

// InfrarustSyncer держит по одному YAML-файлу на маршрут в каталоге
// <Dir>/proxies. Файлы миров, которых больше нет в таблице, удаляются.
type InfrarustSyncer struct {
	Dir string
}

type infrarustServer struct {
	Domains   []string `yaml:"domains"`
	Addresses []string `yaml:"addresses"`
}

func (s *InfrarustSyncer) proxiesDir() string { return filepath.Join(s.Dir, "proxies") }

func (s *InfrarustSyncer) Sync(ctx context.Context, routes []Route) error {
	dir := s.proxiesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	want := make(map[string]struct{}, len(routes))
	var errs []error
	for _, r := range routes {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := r.Slug + infrarustExt
		want[name] = struct{}{}

		data, err := yaml.Marshal(infrarustServer{
			Domains:   []string{r.Hostname},
			Addresses: []string{r.Backend},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", name, err))
			continue
		}
		path := filepath.Join(dir, name)
		if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
			continue
		}
		if err := writeFileAtomic(path, data); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", name, err))
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, infrarustExt) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := want[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
