package discovery

import (
	"context"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Strategy — один шаг цепочки резолва. Отсутствие агента — domain.ErrNotFound.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error)
}

// Registry — реестр, в который можно записать эндпоинт
type Registry interface {
	Name() string
	Register(ctx context.Context, ep domain.ServiceEndpoint) error
	Unregister(ctx context.Context, name string) error
}

// Имена стратегий (метки логов и метрик)
const (
	StrategyCache    = "cache"
	StrategyHostname = "hostname"
	StrategyMesh     = "mesh"
	StrategyLegacy   = "legacy"
	StrategyTwin     = "twin"
)
