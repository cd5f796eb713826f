// Package dwell реализует контроль времени пребывания для задач с внешним
// переходом: попытка засчитывается, только если пользователь провёл на целевой
// странице не меньше требуемого числа секунд. Контроль удорожает обман, но не
// делает его невозможным — модель доверия клиентская.
package dwell

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// State — состояние попытки выполнения задачи.
type State string

const (
	StateNotStarted State = "not_started"
	StateWaiting    State = "waiting"
	StateCompleted  State = "completed"
	StateClaimed    State = "claimed"
	StateFailed     State = "failed"
)

// Ошибки допуска и проверки попытки.
var (
	ErrAlreadyCompleted = errors.New("task already completed")
	ErrAttemptInFlight  = errors.New("attempt already in progress")
	ErrNotClaimable     = errors.New("attempt is not claimable")
	ErrOpenBlocked      = errors.New("external page could not be opened")
)

// Handle — непрозрачный идентификатор открытого внешнего контекста.
type Handle interface{}

// ExternalVisit абстрагирует открытие внешней страницы и наблюдение за ней.
// Движок не обращается к браузерным примитивам напрямую, что позволяет
// подменять реализацию в тестах.
type ExternalVisit interface {
	Open(url string) (Handle, error)
	IsOpen(h Handle) bool
	Close(h Handle)
}

// Status — снимок попытки для отображения. TimeLeft — производная величина,
// пересчитываемая от часов; авторитетной проверкой остаётся сверка времени
// в момент клейма.
type Status struct {
	TaskID   string `json:"taskId"`
	State    State  `json:"state"`
	TimeLeft int    `json:"timeLeft"`
	CanClaim bool   `json:"canClaim"`
	Message  string `json:"message,omitempty"`
}

// отступ сторожевого таймера сверх требуемого времени пребывания
const watchdogSlack = 5 * time.Second

// Attempt — одна попытка выполнения задачи с внешним переходом.
// Создаётся при старте, уничтожается при клейме, отмене или провале.
type Attempt struct {
	mu sync.Mutex

	task      model.TaskDescriptor
	visit     ExternalVisit
	now       func() time.Time
	onChange  func(Status)

	state     State
	startTime time.Time
	handle    Handle
	// armed отключается сторожевым таймером: после waitTime+5 секунд оба
	// детектора перестают действовать, фоновых слушателей не остаётся.
	armed   bool
	message string

	stop     chan struct{}
	stopOnce sync.Once
}

func (a *Attempt) dwell() time.Duration {
	return time.Duration(a.task.DwellSeconds()) * time.Second
}

func (a *Attempt) elapsedSeconds(now time.Time) int {
	return int(now.Sub(a.startTime) / time.Second)
}

// Status возвращает снимок попытки.
func (a *Attempt) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *Attempt) statusLocked() Status {
	st := Status{TaskID: a.task.ID, State: a.state, Message: a.message}
	switch a.state {
	case StateWaiting:
		left := a.task.DwellSeconds() - a.elapsedSeconds(a.now())
		if left < 0 {
			left = 0
		}
		st.TimeLeft = left
		st.CanClaim = left == 0
	case StateCompleted:
		st.CanClaim = true
	}
	return st
}

func (a *Attempt) notifyLocked() {
	if a.onChange != nil {
		a.onChange(a.statusLocked())
	}
}

// OnForegroundRegained — детектор раннего возврата: хост сообщает, что его
// страница снова видима. Возврат раньше требуемого срока проваливает попытку.
func (a *Attempt) OnForegroundRegained() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateWaiting || !a.armed {
		return
	}

	elapsed := a.elapsedSeconds(a.now())
	if elapsed < a.task.DwellSeconds() {
		a.failLocked(fmt.Sprintf(
			"You returned too early! You need to stay for %d seconds. You only stayed for %d seconds.",
			a.task.DwellSeconds(), elapsed))
	}
}

// pollOnce — детектор раннего закрытия: периодическая проверка, открыт ли
// внешний контекст. Возвращает true, когда наблюдение можно прекратить.
func (a *Attempt) pollOnce() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateWaiting || !a.armed {
		return true
	}

	if a.visit.IsOpen(a.handle) {
		return false
	}

	elapsed := a.elapsedSeconds(a.now())
	if elapsed < a.task.DwellSeconds() {
		a.failLocked(fmt.Sprintf(
			"You closed the page too early! You need to stay for %d seconds. You only stayed for %d seconds.",
			a.task.DwellSeconds(), elapsed))
		return true
	}

	// Контекст закрыт после истечения срока — попытка готова к клейму.
	a.state = StateCompleted
	a.handle = nil
	a.notifyLocked()
	return true
}

// disarm отключает оба детектора; вызывается сторожевым таймером.
func (a *Attempt) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
}

// Claim повторно сверяет прошедшее время с часами в момент клейма, не доверяя
// отображаемому отсчёту. Провал проверки принудительно переводит попытку
// в Failed, даже если интерфейс считал её готовой.
func (a *Attempt) Claim() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateWaiting && a.state != StateCompleted {
		return ErrNotClaimable
	}

	now := a.now()
	elapsed := a.elapsedSeconds(now)
	if elapsed < a.task.DwellSeconds() {
		a.failLocked(fmt.Sprintf(
			"Cheating detected! You need to stay for %d seconds. You only stayed for %d seconds.",
			a.task.DwellSeconds(), elapsed))
		return fmt.Errorf("%w: stayed %d of %d seconds", ErrNotClaimable, elapsed, a.task.DwellSeconds())
	}

	if a.handle != nil {
		a.visit.Close(a.handle)
		a.handle = nil
	}
	a.state = StateClaimed
	a.stopDetectorsLocked()
	a.notifyLocked()
	return nil
}

// Cancel останавливает детекторы и закрывает внешний контекст без провала.
func (a *Attempt) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateWaiting {
		a.state = StateNotStarted
	}
	if a.handle != nil {
		a.visit.Close(a.handle)
		a.handle = nil
	}
	a.stopDetectorsLocked()
}

// failLocked переводит попытку в Failed: таймеры сняты, контекст закрыт,
// отсчёт сброшен; перезапуск возможен только с начала.
func (a *Attempt) failLocked(message string) {
	a.state = StateFailed
	a.message = message
	if a.handle != nil {
		a.visit.Close(a.handle)
		a.handle = nil
	}
	a.stopDetectorsLocked()
	a.notifyLocked()
}

func (a *Attempt) stopDetectorsLocked() {
	a.armed = false
	a.stopOnce.Do(func() { close(a.stop) })
}

// run обслуживает детекторы: опрос закрытия раз в pollInterval и сторожевой
// таймер, гарантирующий отсутствие вечных слушателей.
func (a *Attempt) run(pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	watchdog := time.NewTimer(a.dwell() + watchdogSlack)
	defer watchdog.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-watchdog.C:
			a.disarm()
			return
		case <-ticker.C:
			if a.pollOnce() {
				return
			}
		}
	}
}
