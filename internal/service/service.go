// Package service реализует бизнес-логику сервиса вознаграждений.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/adwatch"
	"github.com/mmeshcher/rewardbot-system/internal/dwell"
	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/ratelimit"
	"github.com/mmeshcher/rewardbot-system/internal/settle"
	"github.com/mmeshcher/rewardbot-system/internal/store"
	"github.com/mmeshcher/rewardbot-system/internal/validation"
	"github.com/mmeshcher/rewardbot-system/internal/wheel"
)

// Ошибки бизнес-логики.
var (
	// ErrAlreadyCompleted возвращается при повторном получении награды за задачу.
	ErrAlreadyCompleted = errors.New("task already completed")
	// ErrTaskUnavailable возвращается, если задача не подходит для операции.
	ErrTaskUnavailable = errors.New("task unavailable for this operation")
	// ErrNotMember возвращается, если пользователь не состоит в требуемом канале.
	ErrNotMember = errors.New("not a channel member")
	// ErrInsufficientBalance возвращается при нехватке средств на вывод.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientDiamonds возвращается при нехватке алмазов на вход в розыгрыш.
	ErrInsufficientDiamonds = errors.New("insufficient diamonds")
	// ErrSpinUnavailable возвращается при нехватке монет или ключей на прокрут.
	ErrSpinUnavailable = errors.New("not enough coins or keys to spin")
	// ErrSpinInProgress возвращается при повторном прокруте до завершения первого.
	ErrSpinInProgress = errors.New("spin already in progress")
)

// стоимость входа в розыгрыш, алмазов
const giveawayEntryCost = 1

// пауза между расчётами при массовом получении наград розыгрыша
const defaultClaimAllDelay = 500 * time.Millisecond

// MembershipChecker проверяет членство пользователя в Telegram-канале.
type MembershipChecker interface {
	CheckMembership(ctx context.Context, userID int64, channel, taskID, taskName string) (bool, error)
}

// Profile — данные пользователя из Telegram, переданные при входе.
type Profile struct {
	TelegramID int64
	FirstName  string
	LastName   string
	Username   string
	PhotoURL   string
}

// SpinResult — исход прокрута колеса.
type SpinResult struct {
	Prize   wheel.Prize        `json:"prize"`
	Account *model.UserAccount `json:"account"`
}

// ClaimAllResult — сводка массового получения наград розыгрыша.
type ClaimAllResult struct {
	Claimed int                `json:"claimed"`
	Skipped int                `json:"skipped"`
	Awarded model.Mills        `json:"awarded"`
	Account *model.UserAccount `json:"account,omitempty"`
}

// ReferralInfo — приглашённый пользователь в списке рефералов.
type ReferralInfo struct {
	TelegramID int64     `json:"telegramId"`
	FirstName  string    `json:"firstName"`
	Username   string    `json:"username,omitempty"`
	PhotoURL   string    `json:"photoUrl,omitempty"`
	JoinDate   time.Time `json:"joinDate"`
}

// Config — настройки бизнес-логики.
type Config struct {
	// ReferralBonus — виртуальное начисление за приглашённого в таблице лидеров.
	ReferralBonus model.Mills
	// LeaderboardLimit — максимум строк таблицы лидеров.
	LeaderboardLimit int
}

// Service содержит бизнес-логику сервиса вознаграждений.
type Service struct {
	store      store.Store
	settler    *settle.Settler
	watcher    *adwatch.Watcher
	membership MembershipChecker
	logger     *zap.Logger
	cfg        Config

	now           func() time.Time
	newID         func() string
	randInt       func(n int) int
	claimAllDelay time.Duration

	trackerMu      sync.Mutex
	trackers       map[int64]*dwell.Tracker
	trackerFactory func() *dwell.Tracker

	spinMu   sync.Mutex
	spinning map[int64]bool
}

// Option настраивает Service.
type Option func(*Service)

// WithNow подменяет источник времени.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNewID подменяет генератор идентификаторов заявок.
func WithNewID(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithRandInt подменяет источник случайности колеса.
func WithRandInt(fn func(n int) int) Option {
	return func(s *Service) { s.randInt = fn }
}

// WithClaimAllDelay задаёт паузу между расчётами массового получения наград.
func WithClaimAllDelay(d time.Duration) Option {
	return func(s *Service) { s.claimAllDelay = d }
}

// WithTrackerFactory подменяет фабрику трекеров попыток выполнения задач.
func WithTrackerFactory(fn func() *dwell.Tracker) Option {
	return func(s *Service) { s.trackerFactory = fn }
}

// NewService создаёт сервис поверх хранилища, расчётчика и потока просмотра.
func NewService(st store.Store, settler *settle.Settler, watcher *adwatch.Watcher, membership MembershipChecker, visit dwell.ExternalVisit, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:         st,
		settler:       settler,
		watcher:       watcher,
		membership:    membership,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
		newID:         uuid.NewString,
		randInt:       rand.IntN,
		claimAllDelay: defaultClaimAllDelay,
		trackers:      make(map[int64]*dwell.Tracker),
		spinning:      make(map[int64]bool),
	}
	s.trackerFactory = func() *dwell.Tracker {
		return dwell.NewTracker(visit, dwell.WithNow(s.now))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.trackerMu.Lock()
	for _, tr := range s.trackers {
		tr.Close()
	}
	s.trackers = make(map[int64]*dwell.Tracker)
	s.trackerMu.Unlock()

	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// EnsureAccount создаёт запись нового пользователя или обновляет вход
// существующего. Возвращает каноническую запись и признак первого входа.
func (s *Service) EnsureAccount(ctx context.Context, p Profile, referrerID int64) (*model.UserAccount, bool, error) {
	account, err := s.store.ReadAccount(ctx, p.TelegramID)
	if err == nil {
		updated, err := s.settler.Apply(ctx, p.TelegramID, func(a *model.UserAccount) error {
			a.LastLogin = s.now()
			applyProfile(a, p)
			return nil
		})
		return updated, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	account = model.NewUserAccount(p.TelegramID, p.FirstName, s.now())
	applyProfile(account, p)
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			// Параллельный первый вход: повторяем как обычный вход.
			return s.EnsureAccount(ctx, p, 0)
		}
		return nil, false, err
	}

	s.attributeReferral(ctx, referrerID, p.TelegramID)

	created, err := s.store.ReadAccount(ctx, p.TelegramID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func applyProfile(a *model.UserAccount, p Profile) {
	if p.FirstName != "" {
		a.FirstName = p.FirstName
	}
	a.LastName = p.LastName
	a.Username = p.Username
	if p.PhotoURL != "" {
		a.PhotoURL = p.PhotoURL
	}
}

// attributeReferral записывает нового пользователя в список приглашённых.
// Неизвестный или некорректный пригласитель молча игнорируется.
func (s *Service) attributeReferral(ctx context.Context, referrerID, newID int64) {
	if referrerID == 0 || referrerID == newID {
		return
	}
	_, err := s.settler.Apply(ctx, referrerID, func(a *model.UserAccount) error {
		if a.HasReferral(newID) {
			return nil
		}
		a.Referrals = append(a.Referrals, newID)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("referral attribution failed",
			zap.Int64("referrer", referrerID), zap.Int64("referral", newID), zap.Error(err))
	}
}

// Account возвращает каноническую запись пользователя.
func (s *Service) Account(ctx context.Context, telegramID int64) (*model.UserAccount, error) {
	return s.store.ReadAccount(ctx, telegramID)
}

// AdsConfig возвращает действующую конфигурацию рекламных сетей.
func (s *Service) AdsConfig(ctx context.Context) (model.AdsConfig, error) {
	return s.store.AdsConfig(ctx)
}

// AdStatus возвращает решения о допуске по всем рекламным сетям для отображения.
func (s *Service) AdStatus(ctx context.Context, telegramID int64) (map[model.Provider]ratelimit.Decision, error) {
	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.AdsConfig(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[model.Provider]ratelimit.Decision, len(model.Providers))
	for _, p := range model.Providers {
		out[p] = s.watcher.Evaluate(account, p, cfg[p])
	}
	return out, nil
}

// WatchAd проводит просмотр рекламы и возвращает запись после начисления.
func (s *Service) WatchAd(ctx context.Context, telegramID int64, p model.Provider) (*model.UserAccount, error) {
	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.AdsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s.watcher.Watch(ctx, account, p, cfg[p])
}

// Tasks возвращает задачи из внешнего фида.
func (s *Service) Tasks(ctx context.Context) ([]model.TaskDescriptor, error) {
	return s.store.Tasks(ctx)
}

// Task возвращает задачу по идентификатору.
func (s *Service) Task(ctx context.Context, taskID string) (*model.TaskDescriptor, error) {
	return s.store.Task(ctx, taskID)
}

func (s *Service) tracker(telegramID int64) *dwell.Tracker {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	tr, ok := s.trackers[telegramID]
	if !ok {
		tr = s.trackerFactory()
		s.trackers[telegramID] = tr
	}
	return tr
}

// StartTask открывает внешнюю страницу прямой задачи и запускает контроль
// времени пребывания.
func (s *Service) StartTask(ctx context.Context, telegramID int64, taskID string) (dwell.Status, error) {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return dwell.Status{}, err
	}
	if task.Type != model.TaskDirect {
		return dwell.Status{}, fmt.Errorf("%w: %s is not a direct task", ErrTaskUnavailable, taskID)
	}

	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return dwell.Status{}, err
	}

	attempt, err := s.tracker(telegramID).Start(*task, account.TaskCompleted(taskID))
	if err != nil {
		return dwell.Status{}, err
	}
	return attempt.Status(), nil
}

// TaskStatus возвращает состояние попытки выполнения задачи.
func (s *Service) TaskStatus(telegramID int64, taskID string) (dwell.Status, bool) {
	attempt, ok := s.tracker(telegramID).Attempt(taskID)
	if !ok {
		return dwell.Status{}, false
	}
	return attempt.Status(), true
}

// CancelTask снимает попытку выполнения задачи без начислений.
func (s *Service) CancelTask(telegramID int64, taskID string) {
	s.tracker(telegramID).Reset(taskID)
}

// ReportForeground принимает сигнал клиента о возврате страницы приложения
// в видимость. Возврат раньше требуемого времени пребывания проваливает попытку.
func (s *Service) ReportForeground(telegramID int64, taskID string) (dwell.Status, bool) {
	attempt, ok := s.tracker(telegramID).Attempt(taskID)
	if !ok {
		return dwell.Status{}, false
	}
	attempt.OnForegroundRegained()
	return attempt.Status(), true
}

// ClaimDirectTask проводит авторитетную проверку попытки и начисляет ключи.
// Неподтверждённый расчёт снимает попытку с учёта: задачу придётся пройти заново.
func (s *Service) ClaimDirectTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error) {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}

	tr := s.tracker(telegramID)
	if err := tr.Claim(taskID); err != nil {
		return nil, err
	}

	account, err := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if a.TaskCompleted(taskID) {
			return ErrAlreadyCompleted
		}
		a.Keys += task.KeyReward()
		a.TasksCompleted[taskID] = 1
		return nil
	})
	if err != nil {
		tr.Reset(taskID)
		return nil, err
	}

	tr.Reset(taskID)
	return account, nil
}

// checkChannel проверяет членство, когда задача этого требует.
func (s *Service) checkChannel(ctx context.Context, telegramID int64, task *model.TaskDescriptor) error {
	if !task.CheckMembership || task.TelegramChannel == "" {
		return nil
	}
	isMember, err := s.membership.CheckMembership(ctx, telegramID, task.TelegramChannel, task.ID, task.Name)
	if err != nil {
		return fmt.Errorf("verify channel membership: %w", err)
	}
	if !isMember {
		return fmt.Errorf("%w: join @%s and try again", ErrNotMember, task.TelegramChannel)
	}
	return nil
}

// ClaimRegularTask начисляет алмазы за обычную задачу после проверки членства.
func (s *Service) ClaimRegularTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error) {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Type != model.TaskRegular {
		return nil, fmt.Errorf("%w: %s is not a regular task", ErrTaskUnavailable, taskID)
	}

	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if account.TaskCompleted(taskID) {
		return nil, ErrAlreadyCompleted
	}

	if err := s.checkChannel(ctx, telegramID, task); err != nil {
		return nil, err
	}

	reward := task.Reward
	if reward <= 0 {
		reward = 1
	}
	return s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if a.TaskCompleted(taskID) {
			return ErrAlreadyCompleted
		}
		a.Diamonds += reward
		a.TasksCompleted[taskID] = 1
		return nil
	})
}

// EnterGiveaway списывает стоимость входа в розыгрыш.
func (s *Service) EnterGiveaway(ctx context.Context, telegramID int64) (*model.UserAccount, error) {
	account, err := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if a.Diamonds < giveawayEntryCost {
			return ErrInsufficientDiamonds
		}
		a.Diamonds -= giveawayEntryCost
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// giveawayShare возвращает долю призового фонда на одну задачу розыгрыша.
func (s *Service) giveawayShare(ctx context.Context) (model.Mills, []model.TaskDescriptor, error) {
	tasks, err := s.store.Tasks(ctx)
	if err != nil {
		return 0, nil, err
	}
	giveaway := make([]model.TaskDescriptor, 0, len(tasks))
	for _, t := range tasks {
		if t.Type == model.TaskGiveaway {
			giveaway = append(giveaway, t)
		}
	}
	if len(giveaway) == 0 {
		return 0, nil, nil
	}
	settings, err := s.store.GiveawaySettings(ctx)
	if err != nil {
		return 0, nil, err
	}
	return settings.TotalPrizePool / model.Mills(len(giveaway)), giveaway, nil
}

// ClaimGiveawayTask выплачивает долю призового фонда за задачу розыгрыша.
func (s *Service) ClaimGiveawayTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error) {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Type != model.TaskGiveaway {
		return nil, fmt.Errorf("%w: %s is not a giveaway task", ErrTaskUnavailable, taskID)
	}

	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if account.TaskCompleted(taskID) {
		return nil, ErrAlreadyCompleted
	}

	if err := s.checkChannel(ctx, telegramID, task); err != nil {
		return nil, err
	}

	share, _, err := s.giveawayShare(ctx)
	if err != nil {
		return nil, err
	}

	return s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if a.TaskCompleted(taskID) {
			return ErrAlreadyCompleted
		}
		a.Balance += share
		a.TotalEarned += share
		a.TasksCompleted[taskID] = 1
		return nil
	})
}

// ClaimAllGiveaway проходит по невыполненным задачам розыгрыша и выплачивает
// доли фонда за те, где членство подтвердилось. Неподтверждённые задачи
// пропускаются, обход продолжается.
func (s *Service) ClaimAllGiveaway(ctx context.Context, telegramID int64) (*ClaimAllResult, error) {
	share, giveaway, err := s.giveawayShare(ctx)
	if err != nil {
		return nil, err
	}

	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	result := &ClaimAllResult{Account: account}
	for _, task := range giveaway {
		if account.TaskCompleted(task.ID) {
			continue
		}

		if err := s.checkChannel(ctx, telegramID, &task); err != nil {
			s.logger.Info("giveaway task skipped",
				zap.String("task", task.ID), zap.Int64("telegram_id", telegramID), zap.Error(err))
			result.Skipped++
			continue
		}

		if result.Claimed > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(s.claimAllDelay):
			}
		}

		taskID := task.ID
		updated, err := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
			if a.TaskCompleted(taskID) {
				return ErrAlreadyCompleted
			}
			a.Balance += share
			a.TotalEarned += share
			a.TasksCompleted[taskID] = 1
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyCompleted) {
				continue
			}
			return result, err
		}

		result.Claimed++
		result.Awarded += share
		result.Account = updated
		account = updated
	}

	return result, nil
}

// Spin списывает стоимость прокрута, разыгрывает сектор и начисляет приз.
func (s *Service) Spin(ctx context.Context, telegramID int64) (*SpinResult, error) {
	s.spinMu.Lock()
	if s.spinning[telegramID] {
		s.spinMu.Unlock()
		return nil, ErrSpinInProgress
	}
	s.spinning[telegramID] = true
	s.spinMu.Unlock()

	defer func() {
		s.spinMu.Lock()
		delete(s.spinning, telegramID)
		s.spinMu.Unlock()
	}()

	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if !wheel.CanSpin(account) {
		return nil, ErrSpinUnavailable
	}

	prize := wheel.Pick(s.randInt)

	updated, err := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if !wheel.CanSpin(a) {
			return ErrSpinUnavailable
		}
		prize.Apply(a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wheel spin settled",
		zap.Int64("telegram_id", telegramID), zap.String("prize", prize.Label))
	return &SpinResult{Prize: prize, Account: updated}, nil
}

// Withdraw списывает сумму с баланса и создаёт заявку на вывод средств.
func (s *Service) Withdraw(ctx context.Context, telegramID int64, amount model.Mills, method, accountID string) (*model.WithdrawRequest, error) {
	if err := validation.ValidateWithdraw(method, accountID, amount); err != nil {
		return nil, err
	}

	_, err := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
		if a.Balance < amount {
			return ErrInsufficientBalance
		}
		a.Balance -= amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	req := &model.WithdrawRequest{
		ID:            s.newID(),
		TelegramID:    telegramID,
		Amount:        amount,
		PaymentMethod: method,
		AccountID:     accountID,
		Status:        model.WithdrawPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateWithdraw(ctx, req); err != nil {
		// Заявка не записалась — возвращаем списанную сумму.
		if _, refundErr := s.settler.Apply(ctx, telegramID, func(a *model.UserAccount) error {
			a.Balance += amount
			return nil
		}); refundErr != nil {
			s.logger.Error("withdraw refund failed",
				zap.Int64("telegram_id", telegramID), zap.Error(refundErr))
		}
		return nil, fmt.Errorf("create withdraw: %w", err)
	}
	return req, nil
}

// Withdraws возвращает историю заявок пользователя на вывод средств.
func (s *Service) Withdraws(ctx context.Context, telegramID int64) ([]model.WithdrawRequest, error) {
	return s.store.WithdrawsByAccount(ctx, telegramID)
}

// Referrals возвращает список приглашённых пользователей.
func (s *Service) Referrals(ctx context.Context, telegramID int64) ([]ReferralInfo, error) {
	account, err := s.store.ReadAccount(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	out := make([]ReferralInfo, 0, len(account.Referrals))
	for _, id := range account.Referrals {
		ref, err := s.store.ReadAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ReferralInfo{
			TelegramID: ref.TelegramID,
			FirstName:  ref.FirstName,
			Username:   ref.Username,
			PhotoURL:   ref.PhotoURL,
			JoinDate:   ref.JoinDate,
		})
	}
	return out, nil
}

// Leaderboard возвращает таблицу лидеров с учётом реферальных начислений.
func (s *Service) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	return s.store.Leaderboard(ctx, s.cfg.ReferralBonus, s.cfg.LeaderboardLimit)
}

// GiveawaySettings возвращает настройки розыгрыша.
func (s *Service) GiveawaySettings(ctx context.Context) (model.GiveawaySettings, error) {
	return s.store.GiveawaySettings(ctx)
}

// SubscribeAccount подписывает на канонические снимки записи пользователя.
func (s *Service) SubscribeAccount(telegramID int64, fn func(*model.UserAccount)) store.Unsubscribe {
	return s.store.SubscribeAccount(telegramID, fn)
}

// SubscribeAdsConfig подписывает на обновления конфигурации рекламных сетей.
func (s *Service) SubscribeAdsConfig(fn func(model.AdsConfig)) store.Unsubscribe {
	return s.store.SubscribeAdsConfig(fn)
}
