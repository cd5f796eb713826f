package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

var testConfig = model.AdProviderConfig{Reward: 5, DailyLimit: 10, Cooldown: 60, Enabled: true}

func TestEvaluateCount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		lastWatch *time.Time
		count     int
		cfg       model.AdProviderConfig
		want      Decision
	}{
		{
			name:  "first watch ever",
			count: 0,
			cfg:   testConfig,
			want:  Decision{CanWatch: true, SecondsRemaining: 0, Reason: ReasonOK},
		},
		{
			name:      "cooldown active",
			lastWatch: ptr(now.Add(-25 * time.Second)),
			count:     3,
			cfg:       testConfig,
			want:      Decision{CanWatch: false, SecondsRemaining: 35, Reason: ReasonCooldown},
		},
		{
			name:      "cooldown elapsed exactly",
			lastWatch: ptr(now.Add(-60 * time.Second)),
			count:     3,
			cfg:       testConfig,
			want:      Decision{CanWatch: true, SecondsRemaining: 0, Reason: ReasonOK},
		},
		{
			name:      "daily limit reached even after cooldown",
			lastWatch: ptr(now.Add(-2 * time.Hour)),
			count:     10,
			cfg:       testConfig,
			want:      Decision{CanWatch: false, SecondsRemaining: 0, Reason: ReasonDailyLimit},
		},
		{
			name:      "disabled wins over everything",
			lastWatch: ptr(now.Add(-5 * time.Second)),
			count:     10,
			cfg:       model.AdProviderConfig{Reward: 5, DailyLimit: 10, Cooldown: 60, Enabled: false},
			want:      Decision{CanWatch: false, SecondsRemaining: 55, Reason: ReasonDisabled},
		},
		{
			name:      "daily limit wins over cooldown",
			lastWatch: ptr(now.Add(-5 * time.Second)),
			count:     10,
			cfg:       testConfig,
			want:      Decision{CanWatch: false, SecondsRemaining: 55, Reason: ReasonDailyLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateCount(tt.lastWatch, tt.count, tt.cfg, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Second)
	counter := model.DailyCounter{Date: "2025-06-01", Count: 4, Total: 120}

	first := Evaluate(&last, counter, testConfig, now)
	for i := 0; i < 100; i++ {
		if got := Evaluate(&last, counter, testConfig, now); got != first {
			t.Fatalf("Evaluate is not pure: %+v != %+v", got, first)
		}
	}
}

func TestEvaluateDailyBucketing(t *testing.T) {
	now := time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC)
	// Лимит был выбран вчера; сегодня счётчик должен считаться нулевым.
	counter := model.DailyCounter{Date: "2025-06-01", Count: 10, Total: 10}
	last := now.Add(-2 * time.Hour)

	got := Evaluate(&last, counter, testConfig, now)
	assert.True(t, got.CanWatch)
	assert.Equal(t, ReasonOK, got.Reason)

	// В историческом режиме тот же счётчик остаётся исчерпанным.
	legacy := EvaluateLifetime(&last, counter, testConfig, now)
	assert.False(t, legacy.CanWatch)
	assert.Equal(t, ReasonDailyLimit, legacy.Reason)
}

func TestEvaluateRecomputesOnConfigChange(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Second)

	blocked := EvaluateCount(&last, 0, testConfig, now)
	assert.False(t, blocked.CanWatch)
	assert.Equal(t, 30, blocked.SecondsRemaining)

	// Оператор сократил перезарядку посреди отсчёта — допуск открывается сразу.
	shorter := testConfig
	shorter.Cooldown = 20
	open := EvaluateCount(&last, 0, shorter, now)
	assert.True(t, open.CanWatch)
	assert.Equal(t, 0, open.SecondsRemaining)
}

func ptr(t time.Time) *time.Time { return &t }
