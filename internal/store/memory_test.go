package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

func TestMemoryStoreCreateAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.ReadAccount(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	account := model.NewUserAccount(42, "Alice", time.Now().UTC())
	require.NoError(t, s.CreateAccount(ctx, account))
	assert.Equal(t, int64(1), account.Version)

	require.ErrorIs(t, s.CreateAccount(ctx, account), ErrAccountExists)

	got, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.FirstName)

	// Чтение возвращает копию: правка мимо хранилища не видна канону.
	got.Coins = 999
	again, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Coins)
}

func TestMemoryStorePatchVersionCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	account := model.NewUserAccount(42, "Alice", time.Now().UTC())
	require.NoError(t, s.CreateAccount(ctx, account))

	snapA, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	snapB, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)

	snapA.Coins = 100
	written, err := s.PatchAccount(ctx, snapA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written.Version)

	// Второй patch по тому же устаревшему снимку отклоняется, а не
	// затирает чужую запись.
	snapB.Keys = 5
	_, err = s.PatchAccount(ctx, snapB)
	require.ErrorIs(t, err, ErrStaleSnapshot)

	got, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Coins)
	assert.Equal(t, int64(0), got.Keys)
}

func TestMemoryStoreSubscriptionPush(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	account := model.NewUserAccount(42, "Alice", time.Now().UTC())
	require.NoError(t, s.CreateAccount(ctx, account))

	var mu sync.Mutex
	var pushes []*model.UserAccount
	unsub := s.SubscribeAccount(42, func(a *model.UserAccount) {
		mu.Lock()
		pushes = append(pushes, a)
		mu.Unlock()
	})

	snap, err := s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	snap.Coins = 7
	_, err = s.PatchAccount(ctx, snap)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, pushes, 1, "subscriber receives the push caused by its own write too")
	assert.Equal(t, int64(7), pushes[0].Coins)
	mu.Unlock()

	unsub()

	snap, err = s.ReadAccount(ctx, 42)
	require.NoError(t, err)
	snap.Coins = 8
	_, err = s.PatchAccount(ctx, snap)
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, pushes, 1, "unsubscribed listener must not be called")
	mu.Unlock()
}

func TestMemoryStoreAdsConfigPush(t *testing.T) {
	s := NewMemoryStore()

	var mu sync.Mutex
	var got model.AdsConfig
	s.SubscribeAdsConfig(func(cfg model.AdsConfig) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})

	next := model.DefaultAdsConfig()
	pc := next[model.ProviderAdexora]
	pc.Cooldown = 15
	next[model.ProviderAdexora] = pc
	s.SetAdsConfig(next)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, 15, got[model.ProviderAdexora].Cooldown)
}

func TestMemoryStoreLeaderboard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	rich := model.NewUserAccount(1, "Rich", now)
	rich.Balance = 500
	poor := model.NewUserAccount(2, "Poor", now)
	referred := model.NewUserAccount(3, "Referred", now)
	referred.Balance = 100
	referred.Referrals = []int64{1, 2}

	for _, a := range []*model.UserAccount{rich, poor, referred} {
		require.NoError(t, s.CreateAccount(ctx, a))
	}

	entries, err := s.Leaderboard(ctx, model.Mills(250), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "zero-balance accounts are excluded")

	// 100 + 2*250 = 600 > 500: рефералы поднимают строку выше.
	assert.Equal(t, int64(3), entries[0].TelegramID)
	assert.Equal(t, model.Mills(600), entries[0].TotalEarned)
	assert.Equal(t, int64(1), entries[1].TelegramID)
}
