// Package wheel реализует призовое колесо: взвешенный выбор из восьми
// фиксированных исходов и правила расчёта валют по исходу.
package wheel

import (
	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// Kind — категория приза.
type Kind string

const (
	KindCash Kind = "cash"
	KindCoin Kind = "coin"
	KindKey  Kind = "key"
)

// Prize — один сектор колеса.
type Prize struct {
	Label  string      `json:"label"`
	Kind   Kind        `json:"kind"`
	Cash   model.Mills `json:"cash,omitempty"`
	Amount int64       `json:"amount,omitempty"`
	Weight int         `json:"weight"`
}

// TotalWeight — сумма весов всех секторов; вес задаёт вероятность
// в сотых долях процента.
const TotalWeight = 10000

// Стоимость одного вращения; списывается безусловно, до начисления приза.
const (
	CostCoins int64 = 100
	CostKeys  int64 = 1
)

// Prizes — фиксированная таблица секторов колеса в порядке расположения.
var Prizes = []Prize{
	{Label: "1$", Kind: KindCash, Cash: 1000, Weight: 40},
	{Label: "0.50$", Kind: KindCash, Cash: 500, Weight: 60},
	{Label: "0.02$", Kind: KindCash, Cash: 20, Weight: 400},
	{Label: "0.01$", Kind: KindCash, Cash: 10, Weight: 1000},
	{Label: "0.005$", Kind: KindCash, Cash: 5, Weight: 2500},
	{Label: "100 Coin", Kind: KindCoin, Amount: 100, Weight: 2000},
	{Label: "50 Coin", Kind: KindCoin, Amount: 50, Weight: 2000},
	{Label: "1 Key", Kind: KindKey, Amount: 1, Weight: 2000},
}

// PickIndex возвращает номер сектора для равномерного розыгрыша draw
// из [0, TotalWeight). Выигрывает первый сектор, накопленный вес которого
// строго превышает draw, поэтому граничные значения уходят к меньшему индексу.
func PickIndex(draw int) int {
	acc := 0
	for i, p := range Prizes {
		acc += p.Weight
		if draw < acc {
			return i
		}
	}
	return len(Prizes) - 1
}

// Pick разыгрывает сектор, получая равномерное значение от randInt(n).
func Pick(randInt func(n int) int) Prize {
	return Prizes[PickIndex(randInt(TotalWeight))]
}

// CanSpin сообщает, хватает ли на счёте монет и ключей на одно вращение.
func CanSpin(a *model.UserAccount) bool {
	return a.Coins >= CostCoins && a.Keys >= CostKeys
}

// Apply списывает стоимость вращения и начисляет приз. Ровно одна ветка
// расчёта срабатывает на одно вращение: денежный приз увеличивает баланс
// и суммарный заработок, монетный и ключевой — соответствующий счётчик.
func (p Prize) Apply(a *model.UserAccount) {
	a.Coins -= CostCoins
	a.Keys -= CostKeys

	switch p.Kind {
	case KindCash:
		a.Balance += p.Cash
		a.TotalEarned += p.Cash
	case KindCoin:
		a.Coins += p.Amount
	case KindKey:
		a.Keys += p.Amount
	}
}
