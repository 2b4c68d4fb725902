package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/validation"
)

const accountNumberDigits = 5

var accountNumberSpace = big.NewInt(100000)

// newAccountNumber формирует номер счёта вида LOY-<год>-<5 случайных цифр><контрольная цифра Луна>.
// Контрольная цифра считается по году и случайной части.
func newAccountNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, accountNumberSpace)
	if err != nil {
		return "", err
	}
	return formatAccountNumber(now.Year(), n.Int64())
}

func formatAccountNumber(year int, serial int64) (string, error) {
	yearPart := strconv.Itoa(year)
	serialPart := fmt.Sprintf("%0*d", accountNumberDigits, serial)

	check, ok := validation.LuhnCheckDigit(yearPart + serialPart)
	if !ok {
		return "", fmt.Errorf("invalid account number digits %s%s", yearPart, serialPart)
	}
	return "LOY-" + yearPart + "-" + serialPart + string(check), nil
}
