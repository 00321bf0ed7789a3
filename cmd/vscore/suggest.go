package vscore

import "sort"

// Suggestion is an improvement hint for the weakest categories.
type Suggestion struct {
	Category Category `json:"category"`
	Action   string   `json:"action,omitempty"`
	Message  string   `json:"message"`
}

// MaxSuggestions caps Suggest output.
const MaxSuggestions = 3

var hints = map[Category][]Suggestion{
	CategoryActivity: {
		{Category: CategoryActivity, Action: ActionDailyLogin, Message: "Sign in daily to build activity."},
		{Category: CategoryActivity, Action: ActionWalletConnected, Message: "Connect a wallet to unlock the activity bonus."},
		{Category: CategoryActivity, Message: "Use more V-ID connected apps."},
	},
	CategoryFinancial: {
		{Category: CategoryFinancial, Action: ActionOnChainActivity, Message: "Make on-chain transactions from a linked wallet."},
		{Category: CategoryFinancial, Action: ActionFinancialTransaction, Message: "Complete a verified financial transaction."},
		{Category: CategoryFinancial, Message: "Link an additional funded wallet."},
	},
	CategorySocial: {
		{Category: CategorySocial, Action: ActionProfileCompleted, Message: "Complete your profile."},
		{Category: CategorySocial, Action: ActionSocialLinked, Message: "Link a social account."},
		{Category: CategorySocial, Action: ActionReferral, Message: "Invite friends to V-ID."},
	},
	CategoryTrust: {
		{Category: CategoryTrust, Action: ActionEmailVerified, Message: "Verify your email address."},
		{Category: CategoryTrust, Action: ActionPasskeyAdded, Message: "Register a passkey."},
		{Category: CategoryTrust, Action: ActionKYCComplete, Message: "Complete identity verification."},
	},
}

// Weakest returns categories ordered from lowest to highest score.
// Ties keep the order of Categories.
func Weakest(s Scores) []Category {
	out := append([]Category(nil), Categories...)
	sort.SliceStable(out, func(i, j int) bool { return s.Get(out[i]) < s.Get(out[j]) })
	return out
}

// Suggest returns up to MaxSuggestions hints, starting with the weakest category.
// Categories already at MaxScore are skipped.
func Suggest(s Scores) []Suggestion {
	out := make([]Suggestion, 0, MaxSuggestions)
	for _, c := range Weakest(s) {
		if s.Get(c) >= MaxScore {
			continue
		}
		for _, h := range hints[c] {
			if len(out) == MaxSuggestions {
				return out
			}
			out = append(out, h)
		}
	}
	return out
}
