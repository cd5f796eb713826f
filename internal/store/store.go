// Package store реализует адаптер хранилища пользовательских записей —
// единственный канал истины о состоянии аккаунта. Хранилище отдаёт полную
// каноническую запись каждому подписчику после любой записи, включая записи
// самого подписчика.
package store

import (
	"context"
	"errors"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// Ошибки адаптера хранилища.
var (
	// ErrNotFound возвращается, если запись аккаунта отсутствует.
	ErrNotFound = errors.New("account not found")
	// ErrAccountExists возвращается при повторном создании аккаунта.
	ErrAccountExists = errors.New("account already exists")
	// ErrStaleSnapshot возвращается, когда patch вычислен по устаревшему
	// снимку: версия записи в хранилище уже ушла вперёд. Вызывающий обязан
	// перечитать канонический снимок и повторить расчёт, а не переписать
	// чужое изменение вслепую.
	ErrStaleSnapshot = errors.New("snapshot is stale")
)

// Unsubscribe снимает подписку; обязателен к вызову при завершении сессии.
type Unsubscribe func()

// Store — контракт доступа к данным сервиса вознаграждений.
type Store interface {
	Close() error

	// ReadAccount возвращает копию канонической записи аккаунта.
	ReadAccount(ctx context.Context, telegramID int64) (*model.UserAccount, error)
	// CreateAccount записывает полную запись; используется только при создании.
	CreateAccount(ctx context.Context, account *model.UserAccount) error
	// PatchAccount замещает запись новым состоянием, вычисленным по снимку
	// с версией account.Version. Несовпадение версии — ErrStaleSnapshot.
	// Возвращается записанная каноническая версия.
	PatchAccount(ctx context.Context, account *model.UserAccount) (*model.UserAccount, error)
	// SubscribeAccount доставляет каноническую запись после каждого изменения.
	SubscribeAccount(telegramID int64, fn func(*model.UserAccount)) Unsubscribe

	// Фиды конфигурации; движок их только читает.
	AdsConfig(ctx context.Context) (model.AdsConfig, error)
	SubscribeAdsConfig(fn func(model.AdsConfig)) Unsubscribe
	Tasks(ctx context.Context) ([]model.TaskDescriptor, error)
	Task(ctx context.Context, id string) (*model.TaskDescriptor, error)
	GiveawaySettings(ctx context.Context) (model.GiveawaySettings, error)

	// Заявки на вывод средств.
	CreateWithdraw(ctx context.Context, req *model.WithdrawRequest) error
	WithdrawsByAccount(ctx context.Context, telegramID int64) ([]model.WithdrawRequest, error)

	// Leaderboard возвращает аккаунты с положительным балансом, упорядоченные
	// по сумме баланса и реферальных начислений.
	Leaderboard(ctx context.Context, referralBonus model.Mills, limit int) ([]model.LeaderboardEntry, error)
}
