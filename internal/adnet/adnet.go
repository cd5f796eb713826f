// Package adnet содержит загрузчик SDK рекламных сетей для потока просмотра.
package adnet

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/adwatch"
	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// LoadFunc выполняет фактическую загрузку SDK сети и возвращает функцию показа.
type LoadFunc func(ctx context.Context, p model.Provider) (adwatch.ShowFunc, error)

// Loader лениво загружает SDK рекламных сетей и запоминает готовые функции
// показа. Повторный вызов для загруженной сети не инициирует новую загрузку.
type Loader struct {
	load   LoadFunc
	logger *zap.Logger

	mu     sync.Mutex
	loaded map[model.Provider]adwatch.ShowFunc
}

// NewLoader создаёт загрузчик. При nil load используется загрузчик по
// умолчанию: показ считается завершённым сразу, фактический рендеринг
// выполняет встраиваемая среда сети.
func NewLoader(load LoadFunc, logger *zap.Logger) *Loader {
	if load == nil {
		load = defaultLoad
	}
	return &Loader{
		load:   load,
		logger: logger,
		loaded: make(map[model.Provider]adwatch.ShowFunc),
	}
}

func defaultLoad(_ context.Context, _ model.Provider) (adwatch.ShowFunc, error) {
	return func(ctx context.Context) error {
		return ctx.Err()
	}, nil
}

// EnsureLoaded реализует adwatch.CapabilityProvider. Ошибка загрузки не
// запоминается: следующая попытка просмотра загружает SDK заново.
func (l *Loader) EnsureLoaded(ctx context.Context, p model.Provider) (adwatch.ShowFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if show, ok := l.loaded[p]; ok {
		return show, nil
	}

	show, err := l.load(ctx, p)
	if err != nil {
		return nil, err
	}

	l.logger.Info("ad sdk loaded", zap.String("provider", string(p)))
	l.loaded[p] = show
	return show, nil
}
