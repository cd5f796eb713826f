package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// MemoryStore — хранилище в памяти с той же семантикой push-подписок, что и у
// PostgresStore. Используется в тестах и в однопроцессном режиме разработки.
type MemoryStore struct {
	mu sync.RWMutex

	accounts  map[int64]*model.UserAccount
	tasks     map[string]model.TaskDescriptor
	taskOrder []string
	ads       model.AdsConfig
	giveaway  model.GiveawaySettings
	withdraws map[int64][]model.WithdrawRequest

	nextSubID    int
	accountSubs  map[int64]map[int]func(*model.UserAccount)
	adsSubs      map[int]func(model.AdsConfig)
}

// NewMemoryStore создаёт пустое хранилище с конфигурацией рекламы по умолчанию.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    map[int64]*model.UserAccount{},
		tasks:       map[string]model.TaskDescriptor{},
		ads:         model.DefaultAdsConfig(),
		withdraws:   map[int64][]model.WithdrawRequest{},
		accountSubs: map[int64]map[int]func(*model.UserAccount){},
		adsSubs:     map[int]func(model.AdsConfig){},
	}
}

// Close реализует Store.
func (s *MemoryStore) Close() error { return nil }

// ReadAccount возвращает копию записи аккаунта.
func (s *MemoryStore) ReadAccount(_ context.Context, telegramID int64) (*model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// CreateAccount записывает новую запись и оповещает подписчиков.
func (s *MemoryStore) CreateAccount(_ context.Context, account *model.UserAccount) error {
	s.mu.Lock()
	if _, ok := s.accounts[account.TelegramID]; ok {
		s.mu.Unlock()
		return ErrAccountExists
	}
	stored := account.Clone()
	stored.Version = 1
	s.accounts[account.TelegramID] = stored
	subs := s.accountSubsLocked(account.TelegramID)
	canonical := stored.Clone()
	s.mu.Unlock()

	account.Version = stored.Version
	for _, fn := range subs {
		fn(canonical.Clone())
	}
	return nil
}

// PatchAccount замещает запись при совпадении версии снимка.
func (s *MemoryStore) PatchAccount(_ context.Context, account *model.UserAccount) (*model.UserAccount, error) {
	s.mu.Lock()
	current, ok := s.accounts[account.TelegramID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if current.Version != account.Version {
		s.mu.Unlock()
		return nil, ErrStaleSnapshot
	}
	stored := account.Clone()
	stored.Version = current.Version + 1
	s.accounts[account.TelegramID] = stored
	subs := s.accountSubsLocked(account.TelegramID)
	canonical := stored.Clone()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(canonical.Clone())
	}
	return canonical, nil
}

func (s *MemoryStore) accountSubsLocked(telegramID int64) []func(*model.UserAccount) {
	subs := make([]func(*model.UserAccount), 0, len(s.accountSubs[telegramID]))
	for _, fn := range s.accountSubs[telegramID] {
		subs = append(subs, fn)
	}
	return subs
}

// SubscribeAccount регистрирует подписчика на канонические записи аккаунта.
func (s *MemoryStore) SubscribeAccount(telegramID int64, fn func(*model.UserAccount)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.accountSubs[telegramID] == nil {
		s.accountSubs[telegramID] = map[int]func(*model.UserAccount){}
	}
	s.accountSubs[telegramID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.accountSubs[telegramID], id)
		if len(s.accountSubs[telegramID]) == 0 {
			delete(s.accountSubs, telegramID)
		}
	}
}

// AdsConfig возвращает текущую конфигурацию рекламных сетей.
func (s *MemoryStore) AdsConfig(_ context.Context) (model.AdsConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := model.AdsConfig{}
	for k, v := range s.ads {
		cfg[k] = v
	}
	return cfg, nil
}

// SetAdsConfig применяет конфигурацию и оповещает подписчиков; имитирует
// push-обновление фида во время работы.
func (s *MemoryStore) SetAdsConfig(cfg model.AdsConfig) {
	s.mu.Lock()
	s.ads = model.AdsConfig{}
	for k, v := range cfg {
		s.ads[k] = v
	}
	subs := make([]func(model.AdsConfig), 0, len(s.adsSubs))
	for _, fn := range s.adsSubs {
		subs = append(subs, fn)
	}
	snapshot := model.AdsConfig{}
	for k, v := range s.ads {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// SubscribeAdsConfig регистрирует подписчика на конфигурацию рекламы.
func (s *MemoryStore) SubscribeAdsConfig(fn func(model.AdsConfig)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.adsSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.adsSubs, id)
	}
}

// PutTask добавляет или заменяет задачу фида.
func (s *MemoryStore) PutTask(task model.TaskDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.taskOrder = append(s.taskOrder, task.ID)
	}
	s.tasks[task.ID] = task
}

// Tasks возвращает задачи фида в порядке добавления.
func (s *MemoryStore) Tasks(_ context.Context) ([]model.TaskDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TaskDescriptor, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, s.tasks[id])
	}
	return out, nil
}

// Task возвращает задачу по идентификатору.
func (s *MemoryStore) Task(_ context.Context, id string) (*model.TaskDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// GiveawaySettings возвращает настройки розыгрыша.
func (s *MemoryStore) GiveawaySettings(_ context.Context) (model.GiveawaySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.giveaway, nil
}

// SetGiveawaySettings применяет настройки розыгрыша.
func (s *MemoryStore) SetGiveawaySettings(gs model.GiveawaySettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giveaway = gs
}

// CreateWithdraw сохраняет заявку на вывод средств.
func (s *MemoryStore) CreateWithdraw(_ context.Context, req *model.WithdrawRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdraws[req.TelegramID] = append(s.withdraws[req.TelegramID], *req)
	return nil
}

// WithdrawsByAccount возвращает заявки аккаунта, новые первыми.
func (s *MemoryStore) WithdrawsByAccount(_ context.Context, telegramID int64) ([]model.WithdrawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reqs := append([]model.WithdrawRequest(nil), s.withdraws[telegramID]...)
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

// Leaderboard возвращает аккаунты с положительным балансом.
func (s *MemoryStore) Leaderboard(_ context.Context, referralBonus model.Mills, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	entries := make([]model.LeaderboardEntry, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.Balance <= 0 {
			continue
		}
		entries = append(entries, model.LeaderboardEntry{
			TelegramID:  a.TelegramID,
			FirstName:   a.FirstName,
			Username:    a.Username,
			PhotoURL:    a.PhotoURL,
			Referrals:   len(a.Referrals),
			TotalEarned: a.Balance + referralBonus*model.Mills(len(a.Referrals)),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TotalEarned > entries[j].TotalEarned })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
