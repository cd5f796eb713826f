package dwell

import (
	"sync"
	"time"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// Tracker ведёт попытки выполнения задач одного аккаунта: не больше одной
// активной попытки на задачу, выполненная задача не стартует повторно.
type Tracker struct {
	mu       sync.Mutex
	visit    ExternalVisit
	now      func() time.Time
	poll     time.Duration
	onChange func(Status)
	attempts map[string]*Attempt
}

// TrackerOption настраивает Tracker.
type TrackerOption func(*Tracker)

// WithNow подменяет источник времени.
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithPollInterval задаёт период опроса закрытия внешнего контекста.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.poll = d }
}

// WithOnChange задаёт уведомление о смене состояния попытки.
func WithOnChange(fn func(Status)) TrackerOption {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker создаёт трекер попыток поверх заданной реализации внешних переходов.
func NewTracker(visit ExternalVisit, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		visit:    visit,
		now:      time.Now,
		poll:     time.Second,
		attempts: make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start открывает внешнюю страницу задачи и запускает детекторы.
// alreadyCompleted передаётся вызывающим по каноническому снимку аккаунта.
func (t *Tracker) Start(task model.TaskDescriptor, alreadyCompleted bool) (*Attempt, error) {
	if alreadyCompleted {
		return nil, ErrAlreadyCompleted
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.attempts[task.ID]; ok {
		if st := prev.Status().State; st == StateWaiting || st == StateCompleted {
			return nil, ErrAttemptInFlight
		}
	}

	handle, err := t.visit.Open(task.URL)
	if err != nil || handle == nil {
		// Переход не открылся (например, заблокирован) — состояние не меняется.
		return nil, ErrOpenBlocked
	}

	a := &Attempt{
		task:      task,
		visit:     t.visit,
		now:       t.now,
		onChange:  t.onChange,
		state:     StateWaiting,
		startTime: t.now(),
		handle:    handle,
		armed:     true,
		stop:      make(chan struct{}),
	}
	t.attempts[task.ID] = a

	go a.run(t.poll)

	if t.onChange != nil {
		t.onChange(a.Status())
	}
	return a, nil
}

// Attempt возвращает попытку по задаче, если она есть.
func (t *Tracker) Attempt(taskID string) (*Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[taskID]
	return a, ok
}

// Claim выполняет авторитетную проверку и закрывает попытку.
func (t *Tracker) Claim(taskID string) error {
	a, ok := t.Attempt(taskID)
	if !ok {
		return ErrNotClaimable
	}
	return a.Claim()
}

// Reset снимает попытку с учёта, останавливая её детекторы. Используется,
// когда запись награды не подтвердилась и задачу нужно начать заново.
func (t *Tracker) Reset(taskID string) {
	t.mu.Lock()
	a, ok := t.attempts[taskID]
	if ok {
		delete(t.attempts, taskID)
	}
	t.mu.Unlock()
	if ok {
		a.Cancel()
	}
}

// Close отменяет все попытки; вызывается при завершении сессии, чтобы не
// оставлять висящих таймеров и слушателей.
func (t *Tracker) Close() {
	t.mu.Lock()
	attempts := make([]*Attempt, 0, len(t.attempts))
	for _, a := range t.attempts {
		attempts = append(attempts, a)
	}
	t.attempts = make(map[string]*Attempt)
	t.mu.Unlock()

	for _, a := range attempts {
		a.Cancel()
	}
}
