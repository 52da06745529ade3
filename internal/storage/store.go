package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/world"
)

// Store - хранилище миров и политик.
type Store interface {
	world.Repository
	world.PolicyStore
	io.Closer
}

// Драйверы хранилища.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverMongo  = "mongo"
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Drivers перечисляет поддерживаемые драйверы.
var Drivers = []string{DriverMemory, DriverBadger, DriverMongo, DriverMySQL, DriverSQLite}

// Options выбирает и настраивает хранилище.
type Options struct {
	Driver string
	// Path - каталог Badger или файл SQLite.
	Path string
	// DSN - строка подключения MySQL/MariaDB или URI MongoDB.
	DSN      string
	Database string
}

// Open открывает хранилище выбранного драйвера.
func Open(ctx context.Context, opts Options) (Store, error) {
	log := logging.GetStorageLogger()
	driver := strings.ToLower(opts.Driver)
	log.Info("Хранилище: %s", driver)

	switch driver {
	case DriverMemory, "":
		log.Warn("MemoryStore: данные будут потеряны при перезапуске")
		return NewMemoryStore(), nil
	case DriverBadger:
		return NewBadgerStore(opts.Path)
	case DriverMongo:
		return NewMongoStore(ctx, MongoConfig{URI: opts.DSN, Database: opts.Database})
	case DriverMySQL:
		return OpenMySQL(ctx, opts.DSN)
	case DriverSQLite:
		return OpenSQLite(ctx, opts.Path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}

// Close для MemoryStore ничего не делает.
func (s *MemoryStore) Close() error { return nil }
