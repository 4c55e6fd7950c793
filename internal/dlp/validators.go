package dlp

import (
	"strings"
	"sync"
)

// Validator is a named check applied to a matched substring. A match that
// fails any of its pattern's validators is dropped.
type Validator func(value string) bool

// Built-in validator names.
const (
	ValidatorLuhn         = "luhn"
	ValidatorSSNStructure = "ssn_structure"
	ValidatorABARouting   = "aba_routing"
	ValidatorIBAN         = "iban"
)

var (
	validatorsMu sync.RWMutex
	validators   = map[string]Validator{
		ValidatorLuhn:         luhnCheck,
		ValidatorSSNStructure: validateSSNStructure,
		ValidatorABARouting:   validateRoutingNumber,
		ValidatorIBAN:         validateIBAN,
	}
)

// RegisterValidator makes a custom validator available to patterns by name.
func RegisterValidator(name string, v Validator) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()

	validators[name] = v
}

// LookupValidator returns the validator registered under name.
func LookupValidator(name string) (Validator, bool) {
	validatorsMu.RLock()
	defer validatorsMu.RUnlock()

	v, ok := validators[name]

	return v, ok
}

// digitsOnly strips every non-digit byte.
func digitsOnly(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}

	return b.String()
}

// luhnCheck performs Luhn algorithm validation.
func luhnCheck(number string) bool {
	cleaned := digitsOnly(number)
	if len(cleaned) < 13 || len(cleaned) > 19 {
		return false
	}

	sum := 0
	alternate := false

	for i := len(cleaned) - 1; i >= 0; i-- {
		digit := int(cleaned[i] - '0')

		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		alternate = !alternate
	}

	return sum%10 == 0
}

// validateSSNStructure rejects numbers the SSA never issues.
func validateSSNStructure(s string) bool {
	cleaned := digitsOnly(s)
	if len(cleaned) != 9 {
		return false
	}

	area := cleaned[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}

	if cleaned[3:5] == "00" {
		return false
	}

	return cleaned[5:9] != "0000"
}

// validateRoutingNumber validates a US bank routing number.
func validateRoutingNumber(routingNumber string) bool {
	cleaned := digitsOnly(routingNumber)
	if len(cleaned) != 9 {
		return false
	}

	weights := []int{3, 7, 1, 3, 7, 1, 3, 7, 1}

	sum := 0
	for i, w := range weights {
		sum += int(cleaned[i]-'0') * w
	}

	return sum%10 == 0
}

// validateIBAN checks length and the ISO 7064 mod-97 checksum.
func validateIBAN(iban string) bool {
	cleaned := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(cleaned) < 15 || len(cleaned) > 34 {
		return false
	}

	rearranged := cleaned[4:] + cleaned[:4]
	remainder := 0

	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}

	return remainder == 1
}
