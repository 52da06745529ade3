package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownVersion - для ссылки на версию нет исполняемого файла.
var ErrUnknownVersion = errors.New("unknown server version")

// JarName - имя исполняемого файла внутри каталога версии.
const JarName = "server.jar"

// VersionResolver находит исполняемый файл сервера по ссылке на версию.
type VersionResolver interface {
	Resolve(ctx context.Context, versionRef string) (string, error)
}

// DirResolver ищет <Dir>/<ref>/server.jar. Сами файлы скачиваются отдельно.
type DirResolver struct {
	Dir string
}

func (r DirResolver) Resolve(_ context.Context, versionRef string) (string, error) {
	if versionRef == "" || strings.ContainsAny(versionRef, `/\`) || versionRef == "." || versionRef == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnknownVersion, versionRef)
	}
	path := filepath.Join(r.Dir, versionRef, JarName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrUnknownVersion, versionRef)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrUnknownVersion, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// ResolverFunc позволяет использовать функцию как VersionResolver.
type ResolverFunc func(ctx context.Context, versionRef string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, versionRef string) (string, error) {
	return f(ctx, versionRef)
}
