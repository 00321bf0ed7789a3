package vscore

import (
	"errors"
	"sort"
)

// Action keys.
const (
	ActionDailyLogin            = "DAILY_LOGIN"
	ActionProfileCompleted      = "PROFILE_COMPLETED"
	ActionSocialLinked          = "SOCIAL_LINKED"
	ActionReferral              = "REFERRAL"
	ActionCommunityContribution = "COMMUNITY_CONTRIBUTION"

	ActionAccountCreated       = "ACCOUNT_CREATED"
	ActionEmailVerified        = "EMAIL_VERIFIED"
	ActionWalletConnected      = "WALLET_CONNECTED"
	ActionWalletLogin          = "WALLET_LOGIN"
	ActionPasskeyAdded         = "PASSKEY_ADDED"
	ActionPasskeyLogin         = "PASSKEY_LOGIN"
	ActionPasswordLogin        = "PASSWORD_LOGIN"
	ActionKYCComplete          = "KYC_COMPLETE"
	ActionFinancialTransaction = "FINANCIAL_TRANSACTION"
	ActionOnChainActivity      = "ON_CHAIN_ACTIVITY"
	ActionReportReceived       = "REPORT_RECEIVED"
	ActionSpamFlagged          = "SPAM_FLAGGED"
)

// ErrUnknownAction is returned for keys outside the catalog.
var ErrUnknownAction = errors.New("vscore: unknown action")

// Action is one catalog entry.
// SystemOnly actions represent events verified by the platform and cannot be claimed by a principal.
type Action struct {
	Key        string   `json:"key"`
	Category   Category `json:"category"`
	Points     int      `json:"points"`
	Reason     string   `json:"reason"`
	SystemOnly bool     `json:"systemOnly"`
}

var catalog = map[string]Action{
	ActionDailyLogin:            {Key: ActionDailyLogin, Category: CategoryActivity, Points: 5, Reason: "Daily login"},
	ActionProfileCompleted:      {Key: ActionProfileCompleted, Category: CategorySocial, Points: 20, Reason: "Profile completed"},
	ActionSocialLinked:          {Key: ActionSocialLinked, Category: CategorySocial, Points: 15, Reason: "Social account linked"},
	ActionReferral:              {Key: ActionReferral, Category: CategorySocial, Points: 10, Reason: "Referred a new member"},
	ActionCommunityContribution: {Key: ActionCommunityContribution, Category: CategorySocial, Points: 10, Reason: "Community contribution"},

	ActionAccountCreated:       {Key: ActionAccountCreated, Category: CategoryActivity, Points: 10, Reason: "Account created", SystemOnly: true},
	ActionEmailVerified:        {Key: ActionEmailVerified, Category: CategoryTrust, Points: 30, Reason: "Email verified", SystemOnly: true},
	ActionWalletConnected:      {Key: ActionWalletConnected, Category: CategoryActivity, Points: 50, Reason: "Wallet connected", SystemOnly: true},
	ActionWalletLogin:          {Key: ActionWalletLogin, Category: CategoryActivity, Points: 2, Reason: "Wallet sign-in", SystemOnly: true},
	ActionPasskeyAdded:         {Key: ActionPasskeyAdded, Category: CategoryTrust, Points: 25, Reason: "Passkey registered", SystemOnly: true},
	ActionPasskeyLogin:         {Key: ActionPasskeyLogin, Category: CategoryActivity, Points: 2, Reason: "Passkey sign-in", SystemOnly: true},
	ActionPasswordLogin:        {Key: ActionPasswordLogin, Category: CategoryActivity, Points: 1, Reason: "Password sign-in", SystemOnly: true},
	ActionKYCComplete:          {Key: ActionKYCComplete, Category: CategoryTrust, Points: 100, Reason: "KYC completed", SystemOnly: true},
	ActionFinancialTransaction: {Key: ActionFinancialTransaction, Category: CategoryFinancial, Points: 10, Reason: "Financial transaction", SystemOnly: true},
	ActionOnChainActivity:      {Key: ActionOnChainActivity, Category: CategoryFinancial, Points: 5, Reason: "On-chain activity", SystemOnly: true},
	ActionReportReceived:       {Key: ActionReportReceived, Category: CategoryTrust, Points: -50, Reason: "Report received", SystemOnly: true},
	ActionSpamFlagged:          {Key: ActionSpamFlagged, Category: CategoryActivity, Points: -25, Reason: "Flagged as spam", SystemOnly: true},
}

// Lookup returns the catalog entry for key.
func Lookup(key string) (Action, error) {
	a, ok := catalog[key]
	if !ok {
		return Action{}, ErrUnknownAction
	}
	return a, nil
}

// Catalog returns every action sorted by key.
func Catalog() []Action {
	out := make([]Action, 0, len(catalog))
	for _, a := range catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Claimable returns the actions a principal may claim directly, sorted by key.
func Claimable() []Action {
	all := Catalog()
	out := all[:0]
	for _, a := range all {
		if !a.SystemOnly {
			out = append(out, a)
		}
	}
	return out
}

// Result describes one category update.
type Result struct {
	Action      Action
	Before      Scores
	After       Scores
	TotalBefore int
	TotalAfter  int
	LevelBefore Level
	LevelAfter  Level
}

// Delta is the change in total.
func (r Result) Delta() int { return r.TotalAfter - r.TotalBefore }

// LevelChanged reports whether the level label moved.
func (r Result) LevelChanged() bool { return r.LevelBefore != r.LevelAfter }

// Apply computes the effect of action a on scores.
func Apply(scores Scores, a Action) Result {
	before := scores.Normalized()
	after := before.Add(a.Category, a.Points)
	tb, ta := before.Total(), after.Total()
	return Result{
		Action:      a,
		Before:      before,
		After:       after,
		TotalBefore: tb,
		TotalAfter:  ta,
		LevelBefore: LevelFor(tb),
		LevelAfter:  LevelFor(ta),
	}
}
