// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

// Ошибки валидации заявки на вывод.
var (
	ErrUnknownMethod  = errors.New("unknown payment method")
	ErrEmptyAccountID = errors.New("account id is required")
	ErrBelowMinimum   = errors.New("amount is below method minimum")
)

// минимальные суммы вывода по способам оплаты
var withdrawMinimums = map[string]model.Mills{
	"bkash":  model.MillsFromDollars(1),
	"nagad":  model.MillsFromDollars(1.5),
	"rocket": model.MillsFromDollars(2),
}

// WithdrawMinimum возвращает минимальную сумму вывода для способа оплаты.
func WithdrawMinimum(method string) (model.Mills, bool) {
	min, ok := withdrawMinimums[method]
	return min, ok
}

// ValidateWithdraw проверяет параметры заявки на вывод средств.
func ValidateWithdraw(method, accountID string, amount model.Mills) error {
	min, ok := withdrawMinimums[method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if accountID == "" {
		return ErrEmptyAccountID
	}
	if amount < min {
		return fmt.Errorf("%w: minimum for %s is %s", ErrBelowMinimum, method, min)
	}
	return nil
}
