package lifecycle

import (
	"errors"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/ports"
	"github.com/annel0/worldhost/internal/proxy"
	"github.com/annel0/worldhost/internal/supervisor"
	"github.com/annel0/worldhost/internal/world"
)

var (
	// ErrAlreadyInProgress - над миром уже выполняется другая операция.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrShuttingDown - менеджер останавливается и не принимает запуски.
	ErrShuttingDown = errors.New("lifecycle manager is shutting down")
	// ErrInvalidRequest - в запросе не хватает обязательных полей.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrHostnameTaken - имя хоста уже занято другим миром.
	ErrHostnameTaken = errors.New("hostname already taken")
)

// Reason переводит ошибку операции в текст для пользователя.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInProgress):
		return "Another operation on this world is in progress, try again later"
	case errors.Is(err, ErrShuttingDown):
		return "The host is shutting down"
	case errors.Is(err, ports.ErrExhausted):
		return "No ports available, try again later"
	case errors.Is(err, supervisor.ErrLaunchFailed):
		return "Server failed to start"
	case errors.Is(err, ErrUnknownVersion):
		return "The selected version is not available"
	case errors.Is(err, governance.ErrMemoryBelowMinimum):
		return "Not enough memory allocated for the world"
	case errors.Is(err, governance.ErrMemoryLimit):
		return "Memory allocation exceeds the allowed limit"
	case errors.Is(err, ErrHostnameTaken):
		return "This hostname is already taken"
	case errors.Is(err, ErrInvalidRequest):
		return "Invalid request"
	case errors.Is(err, world.ErrNotFound):
		return "World not found"
	case errors.Is(err, world.ErrPersistence):
		return "Could not save the world, please retry"
	case errors.Is(err, proxy.ErrProxySyncFailed):
		return "The world is reachable only after the proxy is updated"
	case errors.Is(err, supervisor.ErrNotRunning):
		return "The world is not running"
	}
	return "Internal error"
}
