// Package adwatch реализует поток просмотра рекламы: допуск по лимитам,
// показ через внешнюю рекламную сеть и расчёт награды. Главное правило
// потока — валюта не начисляется, пока показ не завершился успешно.
package adwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/ratelimit"
	"github.com/mmeshcher/rewardbot-system/internal/settle"
)

// State — состояние потока просмотра для одной рекламной сети.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateShowing  State = "showing"
	StateSettling State = "settling"
)

// Ошибки потока просмотра.
var (
	// ErrBusy возвращается при попытке запустить второй просмотр той же сети,
	// пока первый не завершён.
	ErrBusy = errors.New("ad watch already in progress")
	// ErrUnknownProvider возвращается для неизвестной рекламной сети.
	ErrUnknownProvider = errors.New("unknown ad provider")
)

// AdmissionError описывает отказ в допуске с причиной и остатком перезарядки.
type AdmissionError struct {
	Decision ratelimit.Decision
}

func (e *AdmissionError) Error() string {
	if e.Decision.Reason == ratelimit.ReasonCooldown {
		return fmt.Sprintf("watch not allowed: %s (%ds remaining)", e.Decision.Reason, e.Decision.SecondsRemaining)
	}
	return fmt.Sprintf("watch not allowed: %s", e.Decision.Reason)
}

// ShowFunc показывает рекламу и возвращается после её завершения.
// Ошибка означает, что показ не состоялся или был прерван.
type ShowFunc func(ctx context.Context) error

// CapabilityProvider абстрагирует загрузку SDK рекламной сети. Повторный
// вызов для уже загруженной сети обязан не инициировать новую загрузку,
// а вернуть готовую функцию показа.
type CapabilityProvider interface {
	EnsureLoaded(ctx context.Context, p model.Provider) (ShowFunc, error)
}

// тайм-аут ожидания завершения показа по умолчанию
const defaultShowTimeout = 2 * time.Minute

// Watcher ведёт поток просмотра рекламы: на каждую сеть — не больше одной
// попытки одновременно.
type Watcher struct {
	caps    CapabilityProvider
	settler *settle.Settler
	logger  *zap.Logger

	now          func() time.Time
	showTimeout  time.Duration
	lifetimeCaps bool

	mu     sync.Mutex
	states map[model.Provider]State
}

// Option настраивает Watcher.
type Option func(*Watcher)

// WithNow подменяет источник времени.
func WithNow(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// WithShowTimeout задаёт предельное время ожидания показа.
func WithShowTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.showTimeout = d }
}

// WithLifetimeCaps включает исторический режим лимитов без суточного сброса.
func WithLifetimeCaps(enabled bool) Option {
	return func(w *Watcher) { w.lifetimeCaps = enabled }
}

// NewWatcher создаёт поток просмотра поверх загрузчика SDK и расчётчика.
func NewWatcher(caps CapabilityProvider, settler *settle.Settler, logger *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		caps:        caps,
		settler:     settler,
		logger:      logger,
		now:         time.Now,
		showTimeout: defaultShowTimeout,
		states:      make(map[model.Provider]State),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State возвращает текущее состояние потока для сети.
func (w *Watcher) State(p model.Provider) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.states[p]; ok {
		return st
	}
	return StateIdle
}

func (w *Watcher) setState(p model.Provider, st State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[p] = st
}

// evaluate применяет действующий режим лимитов к снимку аккаунта.
func (w *Watcher) evaluate(account *model.UserAccount, p model.Provider, cfg model.AdProviderConfig, now time.Time) ratelimit.Decision {
	var last *time.Time
	if ts, ok := account.LastAdWatch[p]; ok {
		last = &ts
	}
	counter := account.WatchedAds[p]
	if w.lifetimeCaps {
		return ratelimit.EvaluateLifetime(last, counter, cfg, now)
	}
	return ratelimit.Evaluate(last, counter, cfg, now)
}

// Evaluate возвращает решение о допуске для отображения: кнопка и отсчёт
// пересчитываются от этого решения не реже раза в секунду.
func (w *Watcher) Evaluate(account *model.UserAccount, p model.Provider, cfg model.AdProviderConfig) ratelimit.Decision {
	return w.evaluate(account, p, cfg, w.now())
}

// Watch проводит полный поток просмотра: допуск, загрузка SDK, показ, расчёт.
// Любая ошибка до успешного показа возвращает поток в Idle без начислений;
// повторный запуск — ответственность пользователя, автоматических повторов нет.
func (w *Watcher) Watch(ctx context.Context, account *model.UserAccount, p model.Provider, cfg model.AdProviderConfig) (*model.UserAccount, error) {
	if !p.Valid() {
		return nil, ErrUnknownProvider
	}

	// Защита от повторного входа: ровно одна попытка на сеть одновременно.
	w.mu.Lock()
	if st, ok := w.states[p]; ok && st != StateIdle {
		w.mu.Unlock()
		return nil, ErrBusy
	}
	w.states[p] = StateLoading
	w.mu.Unlock()

	defer w.setState(p, StateIdle)

	if d := w.evaluate(account, p, cfg, w.now()); !d.CanWatch {
		return nil, &AdmissionError{Decision: d}
	}

	show, err := w.caps.EnsureLoaded(ctx, p)
	if err != nil {
		w.logger.Warn("ad sdk load failed", zap.String("provider", string(p)), zap.Error(err))
		return nil, fmt.Errorf("load %s sdk: %w", p, err)
	}

	w.setState(p, StateShowing)

	showCtx, cancel := context.WithTimeout(ctx, w.showTimeout)
	err = show(showCtx)
	cancel()
	if err != nil {
		// Показ не состоялся — наград нет, это главный инвариант потока.
		w.logger.Info("ad show failed", zap.String("provider", string(p)), zap.Error(err))
		return nil, fmt.Errorf("show %s ad: %w", p, err)
	}

	w.setState(p, StateSettling)

	canonical, err := w.settler.Apply(ctx, account.TelegramID, func(a *model.UserAccount) error {
		now := w.now()
		// Допуск перепроверяется по свежему снимку: параллельная запись могла
		// исчерпать лимит между показом и расчётом.
		if d := w.evaluate(a, p, cfg, now); !d.CanWatch {
			return &AdmissionError{Decision: d}
		}

		date := now.UTC().Format(model.DateLayout)
		if a.WatchedAds == nil {
			a.WatchedAds = map[model.Provider]model.DailyCounter{}
		}
		a.WatchedAds[p] = a.WatchedAds[p].Incremented(date)

		switch p.RewardCurrency() {
		case model.CurrencyKeys:
			a.Keys += cfg.Reward
		default:
			a.Coins += cfg.Reward
		}

		if a.LastAdWatch == nil {
			a.LastAdWatch = map[model.Provider]time.Time{}
		}
		a.LastAdWatch[p] = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return canonical, nil
}
