// Package visit реализует внешние переходы для контроля времени пребывания.
package visit

import (
	"net/url"
	"sync"

	"github.com/mmeshcher/rewardbot-system/internal/dwell"
)

// Stopwatch — реализация dwell.ExternalVisit для серверного режима, где закрыть
// внешнюю страницу может только сам движок. Переход считается открытым от Open
// до Close, поэтому детектор раннего закрытия не срабатывает, и единственной
// защитой остаётся авторитетная сверка времени при клейме.
type Stopwatch struct {
	mu   sync.Mutex
	next int
	open map[int]bool
}

// NewStopwatch создаёт реестр переходов.
func NewStopwatch() *Stopwatch {
	return &Stopwatch{open: map[int]bool{}}
}

// Open проверяет адрес и регистрирует переход. Пустой или не-HTTP адрес —
// заблокированный переход.
func (s *Stopwatch) Open(raw string) (dwell.Handle, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, dwell.ErrOpenBlocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.open[s.next] = true
	return s.next, nil
}

// IsOpen сообщает, зарегистрирован ли переход и не закрыт ли он.
func (s *Stopwatch) IsOpen(h dwell.Handle) bool {
	id, ok := h.(int)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[id]
}

// Close снимает переход с учёта.
func (s *Stopwatch) Close(h dwell.Handle) {
	id, ok := h.(int)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, id)
}
