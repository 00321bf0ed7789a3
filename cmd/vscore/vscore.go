// Package vscore holds the pure V-Score math: categories, weights, levels,
// the action catalog, and improvement suggestions.
//
// Everything here is deterministic and storage-free; the reputation engine in
// cmd/internal/score applies these rules against persisted principals.
package vscore

import "errors"

// Category is one of the four independently capped score components.
type Category string

const (
	CategoryActivity  Category = "activity"
	CategoryFinancial Category = "financial"
	CategorySocial    Category = "social"
	CategoryTrust     Category = "trust"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryActivity, CategoryFinancial, CategorySocial, CategoryTrust}

const (
	// MinScore and MaxScore bound every category and the total.
	MinScore = 0
	MaxScore = 1000
)

// Weights in percent. They sum to exactly 100.
const (
	WeightActivity  = 30
	WeightFinancial = 35
	WeightSocial    = 20
	WeightTrust     = 15
)

// ErrUnknownCategory is returned for category names outside Categories.
var ErrUnknownCategory = errors.New("vscore: unknown category")

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryActivity, CategoryFinancial, CategorySocial, CategoryTrust:
		return Category(s), nil
	default:
		return "", ErrUnknownCategory
	}
}

// Scores are the four category values of a principal.
type Scores struct {
	Activity  int `json:"activity"`
	Financial int `json:"financial"`
	Social    int `json:"social"`
	Trust     int `json:"trust"`
}

// Get returns the value of category c.
func (s Scores) Get(c Category) int {
	switch c {
	case CategoryActivity:
		return s.Activity
	case CategoryFinancial:
		return s.Financial
	case CategorySocial:
		return s.Social
	case CategoryTrust:
		return s.Trust
	default:
		return 0
	}
}

// With returns a copy of s with category c set to v, clamped into range.
func (s Scores) With(c Category, v int) Scores {
	v = Clamp(v)
	switch c {
	case CategoryActivity:
		s.Activity = v
	case CategoryFinancial:
		s.Financial = v
	case CategorySocial:
		s.Social = v
	case CategoryTrust:
		s.Trust = v
	}
	return s
}

// Add returns a copy of s with delta applied to category c, clamped into range.
func (s Scores) Add(c Category, delta int) Scores {
	return s.With(c, s.Get(c)+delta)
}

// Normalized clamps every category into range.
func (s Scores) Normalized() Scores {
	return Scores{
		Activity:  Clamp(s.Activity),
		Financial: Clamp(s.Financial),
		Social:    Clamp(s.Social),
		Trust:     Clamp(s.Trust),
	}
}

// Total is the weighted total of s.
func (s Scores) Total() int { return Total(s.Activity, s.Financial, s.Social, s.Trust) }

// Clamp bounds v into [MinScore, MaxScore].
func Clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Total computes round(0.30a + 0.35f + 0.20s + 0.15t) in integer arithmetic.
// Inputs are clamped first so the result is always in range.
func Total(activity, financial, social, trust int) int {
	weighted := WeightActivity*Clamp(activity) +
		WeightFinancial*Clamp(financial) +
		WeightSocial*Clamp(social) +
		WeightTrust*Clamp(trust)
	// Half-up rounding; weighted is never negative.
	return (weighted + 50) / 100
}
