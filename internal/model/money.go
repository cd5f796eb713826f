package model

import (
	"fmt"
	"math"
	"strconv"
)

// Mills — денежная сумма в тысячных долях доллара. Целочисленное представление
// исключает накопление ошибок плавающей точки при начислениях; минимальный
// приз колеса (0.005$) выражается ровно пятью тысячными.
type Mills int64

// MillsPerDollar — число тысячных долей в одном долларе.
const MillsPerDollar = 1000

// MillsFromDollars переводит долларовую сумму в тысячные доли с округлением
// до ближайшего целого.
func MillsFromDollars(d float64) Mills {
	return Mills(math.Round(d * MillsPerDollar))
}

// Dollars возвращает сумму в долларах.
func (m Mills) Dollars() float64 {
	return float64(m) / MillsPerDollar
}

// String форматирует сумму в долларах с четырьмя знаками после запятой,
// как её показывает интерфейс.
func (m Mills) String() string {
	return fmt.Sprintf("%.4f", m.Dollars())
}

// MarshalJSON сериализует сумму как долларовое число.
func (m Mills) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(m.Dollars(), 'f', -1, 64)), nil
}

// UnmarshalJSON принимает долларовое число.
func (m *Mills) UnmarshalJSON(data []byte) error {
	d, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse money value: %w", err)
	}
	*m = MillsFromDollars(d)
	return nil
}
