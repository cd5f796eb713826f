// Package settle — единая точка превращения подтверждённого события награды
// в изменение валютных полей аккаунта. Все изменения выражаются абсолютными
// следующими значениями, вычисленными по каноническому снимку: атомарного
// инкремента адаптер хранилища не предоставляет.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/store"
)

// ErrInvariant возвращается, когда мутация привела бы валютное поле
// к отрицательному значению; такая запись в хранилище не уходит.
var ErrInvariant = errors.New("settlement violates balance invariant")

// максимум повторов patch-записи по свежему снимку
const maxPatchRetries = 5

// Settler применяет расчёты наград через адаптер хранилища.
type Settler struct {
	store  store.Store
	logger *zap.Logger
}

// New создаёт расчётчик поверх хранилища.
func New(st store.Store, logger *zap.Logger) *Settler {
	return &Settler{store: st, logger: logger}
}

// Apply читает канонический снимок, применяет mutate и записывает результат
// с версией снимка. Отклонённый как устаревший patch пересчитывается по
// свежему снимку и повторяется — слепое повторное применение старых значений
// затёрло бы параллельную запись. Ошибка записи возвращается вызывающему:
// оптимистичное изменение не считается применённым, пока patch не подтверждён.
func (s *Settler) Apply(ctx context.Context, telegramID int64, mutate func(*model.UserAccount) error) (*model.UserAccount, error) {
	var canonical *model.UserAccount

	backoff := retry.WithMaxRetries(maxPatchRetries, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		account, err := s.store.ReadAccount(ctx, telegramID)
		if err != nil {
			return fmt.Errorf("read account: %w", err)
		}

		if err := mutate(account); err != nil {
			return err
		}

		if err := checkInvariants(account); err != nil {
			return err
		}

		written, err := s.store.PatchAccount(ctx, account)
		if err != nil {
			if errors.Is(err, store.ErrStaleSnapshot) {
				s.logger.Debug("stale snapshot, recomputing patch",
					zap.Int64("telegram_id", telegramID))
				return retry.RetryableError(err)
			}
			return fmt.Errorf("patch account: %w", err)
		}

		canonical = written
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// checkInvariants запрещает отрицательные значения валютных счётчиков.
func checkInvariants(a *model.UserAccount) error {
	switch {
	case a.Coins < 0:
		return fmt.Errorf("%w: coins %d", ErrInvariant, a.Coins)
	case a.Balance < 0:
		return fmt.Errorf("%w: balance %s", ErrInvariant, a.Balance)
	case a.Keys < 0:
		return fmt.Errorf("%w: keys %d", ErrInvariant, a.Keys)
	case a.Diamonds < 0:
		return fmt.Errorf("%w: diamonds %d", ErrInvariant, a.Diamonds)
	}
	return nil
}
