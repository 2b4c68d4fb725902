// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

const maxIdentifierLen = 64

// IsValidLuhn проверяет строку из цифр по алгоритму Луна.
func IsValidLuhn(number string) bool {
	if number == "" {
		return false
	}

	sum, ok := luhnSum(number, false)
	if !ok {
		return false
	}
	return sum%10 == 0
}

// LuhnCheckDigit возвращает контрольную цифру, которую нужно дописать к digits.
func LuhnCheckDigit(digits string) (byte, bool) {
	sum, ok := luhnSum(digits, true)
	if !ok {
		return 0, false
	}
	return byte('0' + (10-sum%10)%10), true
}

func luhnSum(number string, double bool) (int, bool) {
	sum := 0

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum, true
}

// IsValidAccountNumber проверяет номер счёта вида LOY-<год>-<цифры с контрольной цифрой>.
func IsValidAccountNumber(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != "LOY" || len(parts[1]) != 4 {
		return false
	}
	return IsValidLuhn(parts[1] + parts[2])
}

// IsValidIdentifier проверяет идентификатор арендатора или клиента:
// непустая строка из букв, цифр, '-', '_' и '.' длиной до 64 символов.
func IsValidIdentifier(id string) bool {
	if id == "" || len(id) > maxIdentifierLen {
		return false
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.':
		default:
			return false
		}
	}
	return true
}
