package wheel

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

func TestWeightsSumToTotal(t *testing.T) {
	sum := 0
	for _, p := range Prizes {
		sum += p.Weight
	}
	require.Equal(t, TotalWeight, sum)
}

func TestPickIndexBoundaries(t *testing.T) {
	tests := []struct {
		draw int
		want int
	}{
		{0, 0},
		{39, 0},
		{40, 1}, // сравнение строгое: draw, равный накопленному весу, попадает в следующий сектор
		{99, 1},
		{100, 2},
		{499, 2},
		{500, 3},
		{1499, 3},
		{1500, 4},
		{3999, 4},
		{4000, 5},
		{5999, 5},
		{6000, 6},
		{7999, 6},
		{8000, 7},
		{9999, 7},
	}

	for _, tt := range tests {
		if got := PickIndex(tt.draw); got != tt.want {
			t.Fatalf("PickIndex(%d) = %d, want %d", tt.draw, got, tt.want)
		}
	}
}

func TestPickFairness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping million-draw simulation in short mode")
	}

	r := rand.New(rand.NewPCG(42, uint64(time.Now().UnixNano())))
	const n = 1_000_000

	counts := make([]int, len(Prizes))
	for i := 0; i < n; i++ {
		counts[PickIndex(r.IntN(TotalWeight))]++
	}

	for i, p := range Prizes {
		want := float64(p.Weight) / TotalWeight
		got := float64(counts[i]) / n
		if math.Abs(got-want) > 0.005 {
			t.Errorf("prize %q: observed frequency %.4f, want %.4f +-0.005", p.Label, got, want)
		}
	}
}

func TestApplyCoinPrize(t *testing.T) {
	// Аккаунт с ровно одной ставкой: 100 монет и 1 ключ, исход «50 Coin».
	a := &model.UserAccount{Coins: 100, Keys: 1}

	var prize Prize
	for _, p := range Prizes {
		if p.Label == "50 Coin" {
			prize = p
		}
	}
	require.NotEmpty(t, prize.Label)

	prize.Apply(a)

	assert.Equal(t, int64(50), a.Coins)
	assert.Equal(t, int64(0), a.Keys)
	assert.Equal(t, model.Mills(0), a.Balance)
	assert.Equal(t, model.Mills(0), a.TotalEarned)
}

func TestApplyCashPrize(t *testing.T) {
	a := &model.UserAccount{Coins: 250, Keys: 3, Balance: 100, TotalEarned: 100}

	Prizes[4].Apply(a) // 0.005$

	assert.Equal(t, int64(150), a.Coins)
	assert.Equal(t, int64(2), a.Keys)
	assert.Equal(t, model.Mills(105), a.Balance)
	assert.Equal(t, model.Mills(105), a.TotalEarned)
}

func TestApplyKeyPrize(t *testing.T) {
	a := &model.UserAccount{Coins: 100, Keys: 1}

	Prizes[7].Apply(a) // 1 Key

	assert.Equal(t, int64(0), a.Coins)
	assert.Equal(t, int64(1), a.Keys, "cost is debited before the prize is added")
}

func TestCanSpin(t *testing.T) {
	assert.True(t, CanSpin(&model.UserAccount{Coins: 100, Keys: 1}))
	assert.False(t, CanSpin(&model.UserAccount{Coins: 99, Keys: 1}))
	assert.False(t, CanSpin(&model.UserAccount{Coins: 100, Keys: 0}))
}
