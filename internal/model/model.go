// Package model содержит доменные сущности сервиса вознаграждений.
package model

import "time"

// Provider идентифицирует рекламную сеть.
type Provider string

const (
	ProviderMonetag Provider = "monetag"
	ProviderAdsovio Provider = "adsovio"
	ProviderAdexora Provider = "adexora"
)

// Providers перечисляет поддерживаемые рекламные сети в фиксированном порядке слотов.
var Providers = []Provider{ProviderMonetag, ProviderAdsovio, ProviderAdexora}

// Valid сообщает, известна ли рекламная сеть сервису.
func (p Provider) Valid() bool {
	switch p {
	case ProviderMonetag, ProviderAdsovio, ProviderAdexora:
		return true
	}
	return false
}

// Currency — вид начисляемой валюты.
type Currency string

const (
	CurrencyCoins    Currency = "coins"
	CurrencyCash     Currency = "cash"
	CurrencyKeys     Currency = "keys"
	CurrencyDiamonds Currency = "diamonds"
)

// RewardCurrency возвращает валюту, начисляемую за просмотр рекламы сети p.
// Monetag и Adsovio платят монетами, Adexora — ключами.
func (p Provider) RewardCurrency() Currency {
	if p == ProviderAdexora {
		return CurrencyKeys
	}
	return CurrencyCoins
}

// DateLayout — формат UTC-даты для суточных счётчиков.
const DateLayout = "2006-01-02"

// DailyCounter хранит суточный счётчик просмотров вместе с датой корзины
// и монотонным итогом за всё время жизни аккаунта.
type DailyCounter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Total int    `json:"total"`
}

// CountOn возвращает суточный счётчик применительно к дате date.
// Счётчик с устаревшей датой считается нулевым.
func (c DailyCounter) CountOn(date string) int {
	if c.Date != date {
		return 0
	}
	return c.Count
}

// Incremented возвращает счётчик, увеличенный на единицу для даты date.
// При смене даты суточная часть начинается заново, итог продолжает расти.
func (c DailyCounter) Incremented(date string) DailyCounter {
	next := DailyCounter{Date: date, Count: 1, Total: c.Total + 1}
	if c.Date == date {
		next.Count = c.Count + 1
	}
	return next
}

// UserAccount — каноническая запись пользователя. Владелец записи — хранилище;
// все изменения проходят через частичные patch-записи с проверкой версии.
type UserAccount struct {
	TelegramID int64  `json:"telegramId"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName,omitempty"`
	Username   string `json:"username,omitempty"`
	PhotoURL   string `json:"photoUrl,omitempty"`

	Coins    int64 `json:"coins"`
	Balance  Mills `json:"balance"`
	Keys     int64 `json:"keys"`
	Diamonds int64 `json:"diamonds"`

	TasksCompleted     map[string]int            `json:"tasksCompleted"`
	WatchedAds         map[Provider]DailyCounter `json:"watchedAds"`
	LastAdWatch        map[Provider]time.Time    `json:"lastAdWatch,omitempty"`
	DirectTasksClaimed []bool                    `json:"directTasksClaimed"`
	Referrals          []int64                   `json:"referrals"`

	TotalEarned Mills     `json:"totalEarned"`
	JoinDate    time.Time `json:"joinDate"`
	LastLogin   time.Time `json:"lastLogin"`

	// Version растёт на единицу при каждой записи; используется хранилищем
	// для отклонения patch-запросов, вычисленных по устаревшему снимку.
	Version int64 `json:"version"`
}

// Clone возвращает глубокую копию записи. Подписчики получают копии,
// чтобы канонический снимок нельзя было изменить мимо хранилища.
func (a *UserAccount) Clone() *UserAccount {
	if a == nil {
		return nil
	}
	c := *a
	c.TasksCompleted = make(map[string]int, len(a.TasksCompleted))
	for k, v := range a.TasksCompleted {
		c.TasksCompleted[k] = v
	}
	c.WatchedAds = make(map[Provider]DailyCounter, len(a.WatchedAds))
	for k, v := range a.WatchedAds {
		c.WatchedAds[k] = v
	}
	if a.LastAdWatch != nil {
		c.LastAdWatch = make(map[Provider]time.Time, len(a.LastAdWatch))
		for k, v := range a.LastAdWatch {
			c.LastAdWatch[k] = v
		}
	}
	c.DirectTasksClaimed = append([]bool(nil), a.DirectTasksClaimed...)
	c.Referrals = append([]int64(nil), a.Referrals...)
	return &c
}

// TaskCompleted сообщает, отмечена ли задача выполненной.
func (a *UserAccount) TaskCompleted(taskID string) bool {
	return a.TasksCompleted[taskID] > 0
}

// HasReferral сообщает, числится ли id среди приглашённых.
func (a *UserAccount) HasReferral(id int64) bool {
	for _, r := range a.Referrals {
		if r == id {
			return true
		}
	}
	return false
}

// NewUserAccount создаёт запись нового пользователя с нулевыми балансами.
func NewUserAccount(telegramID int64, firstName string, now time.Time) *UserAccount {
	return &UserAccount{
		TelegramID:         telegramID,
		FirstName:          firstName,
		TasksCompleted:     map[string]int{},
		WatchedAds:         map[Provider]DailyCounter{},
		DirectTasksClaimed: []bool{false, false, false},
		Referrals:          []int64{},
		JoinDate:           now,
		LastLogin:          now,
	}
}

// AdProviderConfig — внешняя конфигурация рекламной сети, только для чтения.
type AdProviderConfig struct {
	Reward     int64 `json:"reward"`
	DailyLimit int   `json:"dailyLimit"`
	Cooldown   int   `json:"cooldown"`
	Enabled    bool  `json:"enabled"`
}

// AdsConfig — конфигурация всех рекламных сетей.
type AdsConfig map[Provider]AdProviderConfig

// DefaultAdsConfig возвращает конфигурацию по умолчанию, действующую до
// первого push-обновления из хранилища.
func DefaultAdsConfig() AdsConfig {
	cfg := AdsConfig{}
	for _, p := range Providers {
		cfg[p] = AdProviderConfig{Reward: 5, DailyLimit: 10, Cooldown: 60, Enabled: true}
	}
	return cfg
}

// TaskType различает механики выполнения задач.
type TaskType string

const (
	// TaskDirect — задача с внешним переходом и контролем времени пребывания.
	TaskDirect TaskType = "direct"
	// TaskRegular — задача с наградой в алмазах, возможна проверка членства в канале.
	TaskRegular TaskType = "regular"
	// TaskGiveaway — задача розыгрыша, оплачивается из общего призового фонда.
	TaskGiveaway TaskType = "giveaway"
)

// RewardType — валюта награды прямой задачи в терминах исходного фида.
type RewardType string

const (
	RewardCoin RewardType = "coin"
	RewardKey  RewardType = "key"
	RewardBoth RewardType = "both"
)

// DefaultWaitTime — время пребывания на внешней странице по умолчанию, секунд.
const DefaultWaitTime = 20

// TaskDescriptor описывает задачу из внешнего фида; движок его не изменяет.
type TaskDescriptor struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            TaskType   `json:"taskType"`
	Category        string     `json:"category"`
	Reward          int64      `json:"reward"`
	RewardType      RewardType `json:"rewardType,omitempty"`
	RewardAmount    int64      `json:"rewardAmount"`
	URL             string     `json:"url,omitempty"`
	WaitTime        int        `json:"waitTime"`
	TelegramChannel string     `json:"telegramChannel,omitempty"`
	CheckMembership bool       `json:"checkMembership"`
}

// DwellSeconds возвращает требуемое время пребывания с учётом значения по умолчанию.
func (t TaskDescriptor) DwellSeconds() int {
	if t.WaitTime <= 0 {
		return DefaultWaitTime
	}
	return t.WaitTime
}

// KeyReward возвращает число ключей за прямую задачу. Монетные награды
// конвертируются в ключи один к одному, для типа "both" добавляется один ключ.
func (t TaskDescriptor) KeyReward() int64 {
	switch t.RewardType {
	case RewardBoth:
		return t.RewardAmount + 1
	default:
		return t.RewardAmount
	}
}

// GiveawaySettings — настройки розыгрыша из внешнего фида.
type GiveawaySettings struct {
	// TotalPrizePool — общий призовой фонд, делится поровну между задачами розыгрыша.
	TotalPrizePool Mills `json:"totalPrizePool"`
}

// WithdrawStatus — состояние заявки на вывод средств.
type WithdrawStatus string

const (
	WithdrawPending  WithdrawStatus = "pending"
	WithdrawApproved WithdrawStatus = "approved"
	WithdrawRejected WithdrawStatus = "rejected"
)

// WithdrawRequest — заявка на вывод; дальнейшая обработка выполняется вне сервиса.
type WithdrawRequest struct {
	ID            string         `json:"id"`
	TelegramID    int64          `json:"telegramId"`
	Amount        Mills          `json:"amount"`
	PaymentMethod string         `json:"paymentMethod"`
	AccountID     string         `json:"accountId"`
	Status        WithdrawStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	AdminNotes    string         `json:"adminNotes,omitempty"`
}

// LeaderboardEntry — строка таблицы лидеров.
type LeaderboardEntry struct {
	TelegramID  int64  `json:"telegramId"`
	FirstName   string `json:"firstName"`
	Username    string `json:"username,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Referrals   int    `json:"referrals"`
	TotalEarned Mills  `json:"totalEarned"`
}
