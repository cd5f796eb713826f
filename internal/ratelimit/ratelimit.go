// Package ratelimit содержит чистую проверку допуска к просмотру рекламы:
// суточный лимит плюс окно перезарядки между просмотрами.
package ratelimit

import (
	"time"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// Reason объясняет, почему просмотр запрещён или разрешён.
type Reason string

const (
	ReasonOK         Reason = "ok"
	ReasonDisabled   Reason = "disabled"
	ReasonDailyLimit Reason = "daily_limit"
	ReasonCooldown   Reason = "cooldown"
)

// Decision — результат проверки допуска.
type Decision struct {
	CanWatch         bool   `json:"canWatch"`
	SecondsRemaining int    `json:"secondsRemaining"`
	Reason           Reason `json:"reason"`
}

// Evaluate проверяет допуск по суточному счётчику: счётчик с датой, отличной
// от текущей UTC-даты, считается нулевым. Функция чистая, побочных эффектов нет;
// сам показ рекламы — ответственность вызывающего и запрещён при CanWatch == false.
func Evaluate(lastWatch *time.Time, counter model.DailyCounter, cfg model.AdProviderConfig, now time.Time) Decision {
	return EvaluateCount(lastWatch, counter.CountOn(now.UTC().Format(model.DateLayout)), cfg, now)
}

// EvaluateLifetime проверяет допуск по монотонному счётчику за всё время жизни
// аккаунта. Режим сохранён для операторов, полагавшихся на историческое
// поведение «суточного» лимита без сброса.
func EvaluateLifetime(lastWatch *time.Time, counter model.DailyCounter, cfg model.AdProviderConfig, now time.Time) Decision {
	return EvaluateCount(lastWatch, counter.Total, cfg, now)
}

// EvaluateCount — базовая проверка по уже выбранному счётчику.
// Приоритет причин: disabled, затем daily_limit, затем cooldown.
func EvaluateCount(lastWatch *time.Time, count int, cfg model.AdProviderConfig, now time.Time) Decision {
	remaining := 0
	if lastWatch != nil {
		elapsed := int(now.Sub(*lastWatch) / time.Second)
		if r := cfg.Cooldown - elapsed; r > 0 {
			remaining = r
		}
	}

	d := Decision{SecondsRemaining: remaining, Reason: ReasonOK}

	switch {
	case !cfg.Enabled:
		d.Reason = ReasonDisabled
	case count >= cfg.DailyLimit:
		d.Reason = ReasonDailyLimit
	case remaining > 0:
		d.Reason = ReasonCooldown
	default:
		d.CanWatch = true
	}

	return d
}
