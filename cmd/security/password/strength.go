package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Strength rule identifiers reported in Strength.Violations.
const (
	RuleMinLength      = "min_length"
	RuleLowercase      = "lowercase"
	RuleUppercase      = "uppercase"
	RuleDigit          = "digit"
	RuleSpecial        = "special"
	RuleCommonPassword = "common_password"
)

// StrengthMinLength is the minimum accepted length for CheckStrength.
const StrengthMinLength = 8

// commonPasswords is matched as a case-insensitive substring.
var commonPasswords = []string{
	"password",
	"123456",
	"12345678",
	"123456789",
	"qwerty",
	"abc123",
	"111111",
	"letmein",
	"welcome",
	"monkey",
	"dragon",
	"iloveyou",
	"admin",
	"football",
	"baseball",
	"sunshine",
	"princess",
	"passw0rd",
	"trustno1",
	"11111111",
}

var commonPasswordSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(commonPasswords)+4)
	for _, p := range commonPasswords {
		m[p] = struct{}{}
	}
	for _, p := range []string{"password123", "qwerty123"} {
		m[p] = struct{}{}
	}
	return m
}()

// Strength is the outcome of CheckStrength.
type Strength struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
	Score      int      `json:"score"`
}

// CheckStrength scores pw from 0 to 100 and lists violated rules.
//
// Points: length >= 8 (+20), >= 12 (+10), >= 16 (+10), and +15 for each of
// lowercase, uppercase, digit and special characters. Containing a common
// password costs 50 points and always invalidates the result.
func CheckStrength(pw string) Strength {
	var (
		score      int
		violations []string
	)

	n := utf8.RuneCountInString(pw)
	switch {
	case n >= 16:
		score += 40
	case n >= 12:
		score += 30
	case n >= StrengthMinLength:
		score += 20
	default:
		violations = append(violations, RuleMinLength)
	}

	var lower, upper, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsSpace(r):
		default:
			special = true
		}
	}
	for _, c := range []struct {
		ok   bool
		rule string
	}{
		{lower, RuleLowercase},
		{upper, RuleUppercase},
		{digit, RuleDigit},
		{special, RuleSpecial},
	} {
		if c.ok {
			score += 15
			continue
		}
		violations = append(violations, c.rule)
	}

	if containsCommonPassword(pw) {
		score -= 50
		violations = append(violations, RuleCommonPassword)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if violations == nil {
		violations = []string{}
	}
	return Strength{Valid: len(violations) == 0, Violations: violations, Score: score}
}

func containsCommonPassword(pw string) bool {
	lower := strings.ToLower(pw)
	for _, p := range commonPasswords {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
