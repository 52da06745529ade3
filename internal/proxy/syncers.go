package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// NopSyncer ничего не делает; используется, когда прокси настраивается
// вручную.
type NopSyncer struct{}

func (NopSyncer) Sync(context.Context, []Route) error { return nil }

// SyncFunc позволяет использовать функцию как Syncer.
type SyncFunc func(ctx context.Context, routes []Route) error

func (f SyncFunc) Sync(ctx context.Context, routes []Route) error { return f(ctx, routes) }

// MultiSyncer отправляет таблицу во все вложенные Syncer и объединяет ошибки.
type MultiSyncer []Syncer

func (m MultiSyncer) Sync(ctx context.Context, routes []Route) error {
	var errs []error
	for _, s := range m {
		if err := s.Sync(ctx, routes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFileAtomic пишет data во временный файл рядом с path и переименовывает.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
