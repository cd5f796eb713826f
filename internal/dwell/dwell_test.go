package dwell

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeVisit struct {
	mu      sync.Mutex
	blocked bool
	next    int
	open    map[int]bool
	opened  []string
}

func newFakeVisit() *fakeVisit {
	return &fakeVisit{open: make(map[int]bool)}
}

func (v *fakeVisit) Open(url string) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blocked {
		return nil, nil
	}
	v.next++
	v.open[v.next] = true
	v.opened = append(v.opened, url)
	return v.next, nil
}

func (v *fakeVisit) IsOpen(h Handle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open[h.(int)]
}

func (v *fakeVisit) Close(h Handle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open[h.(int)] = false
}

func newTestTracker(clock *fakeClock, visit *fakeVisit) *Tracker {
	// Огромный период опроса: детекторы в тестах дёргаются вручную.
	return NewTracker(visit, WithNow(clock.Now), WithPollInterval(time.Hour))
}

var testTask = model.TaskDescriptor{
	ID:       "task-1",
	Name:     "Visit partner page",
	Type:     model.TaskDirect,
	URL:      "https://example.com/offer",
	WaitTime: 20,
}

func TestStartAlreadyCompleted(t *testing.T) {
	tr := newTestTracker(newFakeClock(), newFakeVisit())
	defer tr.Close()

	_, err := tr.Start(testTask, true)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestStartTwice(t *testing.T) {
	tr := newTestTracker(newFakeClock(), newFakeVisit())
	defer tr.Close()

	_, err := tr.Start(testTask, false)
	require.NoError(t, err)

	_, err = tr.Start(testTask, false)
	require.ErrorIs(t, err, ErrAttemptInFlight)
}

func TestStartPopupBlocked(t *testing.T) {
	visit := newFakeVisit()
	visit.blocked = true
	tr := newTestTracker(newFakeClock(), visit)
	defer tr.Close()

	_, err := tr.Start(testTask, false)
	require.ErrorIs(t, err, ErrOpenBlocked)

	_, ok := tr.Attempt(testTask.ID)
	assert.False(t, ok, "blocked open must leave no attempt behind")
}

func TestEarlyReturnFails(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(7 * time.Second)
	a.OnForegroundRegained()

	st := a.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Message, "returned too early")
	assert.Contains(t, st.Message, "7 seconds", "message names the actual elapsed seconds")
	assert.False(t, visit.IsOpen(1), "failed attempt closes the external context")
}

func TestEarlyCloseFails(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(19 * time.Second)
	visit.Close(1)
	require.True(t, a.pollOnce())

	st := a.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Message, "closed the page too early")
	assert.False(t, st.CanClaim)
	assert.ErrorIs(t, tr.Claim(testTask.ID), ErrNotClaimable)
}

func TestLateCloseCompletes(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(21 * time.Second)
	visit.Close(1)
	require.True(t, a.pollOnce())

	st := a.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.True(t, st.CanClaim)
	require.NoError(t, tr.Claim(testTask.ID))
	assert.Equal(t, StateClaimed, a.Status().State)
}

func TestCloseAtExactWaitTimeCompletes(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	visit.Close(1)
	require.True(t, a.pollOnce())

	assert.Equal(t, StateCompleted, a.Status().State)
	require.NoError(t, a.Claim())
}

func TestClaimRevalidatesAgainstClock(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	// Интерфейс может считать попытку готовой, но авторитетна сверка часов.
	clock.Advance(12 * time.Second)
	err = a.Claim()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotClaimable)

	st := a.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, strings.Contains(st.Message, "Cheating detected"))
}

func TestClaimWhileStillOpenClosesContext(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	require.NoError(t, a.Claim())
	assert.False(t, visit.IsOpen(1))

	// Повторный клейм той же попытки отклоняется.
	require.ErrorIs(t, a.Claim(), ErrNotClaimable)
}

func TestWatchdogDisarmsDetectors(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	a.disarm()

	clock.Advance(3 * time.Second)
	a.OnForegroundRegained()
	assert.Equal(t, StateWaiting, a.Status().State, "disarmed detector must not fail the attempt")

	visit.Close(1)
	assert.True(t, a.pollOnce(), "disarmed poll reports done without transitions")
	assert.Equal(t, StateWaiting, a.Status().State)
}

func TestOnChangeNotifications(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()

	var mu sync.Mutex
	var states []State
	tr := NewTracker(visit,
		WithNow(clock.Now),
		WithPollInterval(time.Hour),
		WithOnChange(func(st Status) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		}),
	)
	defer tr.Close()

	a, err := tr.Start(testTask, false)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	a.OnForegroundRegained()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateWaiting, states[0])
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestResetStopsAttempt(t *testing.T) {
	clock := newFakeClock()
	visit := newFakeVisit()
	tr := newTestTracker(clock, visit)
	defer tr.Close()

	_, err := tr.Start(testTask, false)
	require.NoError(t, err)

	tr.Reset(testTask.ID)
	assert.False(t, visit.IsOpen(1))

	// После сброса задача стартует заново.
	_, err = tr.Start(testTask, false)
	require.NoError(t, err)

	if _, ok := tr.Attempt(testTask.ID); !ok {
		t.Fatalf("expected a fresh attempt after reset")
	}
}

func TestRunLoopFailsOnRealClose(t *testing.T) {
	// Интеграционная проверка цикла детекторов на коротких интервалах.
	visit := newFakeVisit()
	task := testTask
	task.WaitTime = 1

	tr := NewTracker(visit, WithPollInterval(5*time.Millisecond))
	defer tr.Close()

	a, err := tr.Start(task, false)
	require.NoError(t, err)

	visit.Close(1)

	deadline := time.After(time.Second)
	for a.Status().State != StateFailed {
		select {
		case <-deadline:
			t.Fatalf("run loop did not detect the closed context, state=%s", a.Status().State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	st := a.Status()
	assert.Contains(t, st.Message, "closed the page too early")
}

func TestErrorsAreDistinct(t *testing.T) {
	errs := []error{ErrAlreadyCompleted, ErrAttemptInFlight, ErrNotClaimable, ErrOpenBlocked}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Fatalf("errors %v and %v must be distinct", a, b)
			}
		}
	}
}
