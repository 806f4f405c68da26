package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RecipientRole string

const (
	RoleSeller      RecipientRole = "seller"
	RolePlatform    RecipientRole = "platform"
	RoleDistributor RecipientRole = "distributor"
	RoleContributor RecipientRole = "contributor"
	RoleReferrer    RecipientRole = "referrer"
)

func (r RecipientRole) Valid() bool {
	switch r {
	case RoleSeller, RolePlatform, RoleDistributor, RoleContributor, RoleReferrer:
		return true
	}
	return false
}

// IsCommission reports whether the role earns a commission rather than a base share.
func (r RecipientRole) IsCommission() bool {
	return r == RoleDistributor || r == RoleContributor || r == RoleReferrer
}

type DistributionType string

const (
	DistributionPercentage DistributionType = "percentage"
	DistributionFixed      DistributionType = "fixed"
	DistributionTiered     DistributionType = "tiered"
)

func (t DistributionType) Valid() bool {
	switch t {
	case DistributionPercentage, DistributionFixed, DistributionTiered:
		return true
	}
	return false
}

// Tier is a half-open usage band [MinUsage, MaxUsage). MaxUsage 0 leaves the band unbounded.
type Tier struct {
	MinUsage       int64           `json:"min_usage"`
	MaxUsage       int64           `json:"max_usage"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

func (t Tier) Contains(usage int64) bool {
	return usage >= t.MinUsage && (t.MaxUsage == 0 || usage < t.MaxUsage)
}

type RecurringCommission struct {
	Enabled        bool `json:"enabled"`
	DurationMonths int  `json:"duration_months"`
}

type Rule struct {
	RecipientID        string               `json:"recipient_id"`
	Role               RecipientRole        `json:"role"`
	Type               DistributionType     `json:"type"`
	Percentage         decimal.Decimal      `json:"percentage"`
	FixedAmount        decimal.Decimal      `json:"fixed_amount"`
	Tiers              []Tier               `json:"tiers,omitempty"`
	Usage              int64                `json:"usage"`
	PlatformFeePercent *decimal.Decimal     `json:"platform_fee_percent,omitempty"`
	Recurring          *RecurringCommission `json:"recurring_commission,omitempty"`
}

type DistributionPolicy struct {
	Epsilon             decimal.Decimal
	PlatformRecipientID string
	FeeSchedule         map[RecipientRole]decimal.Decimal
}

func DefaultDistributionPolicy() DistributionPolicy {
	return DistributionPolicy{
		Epsilon:             decimal.New(1, -2),
		PlatformRecipientID: "platform",
		FeeSchedule:         map[RecipientRole]decimal.Decimal{},
	}
}

func (p DistributionPolicy) withDefaults() DistributionPolicy {
	def := DefaultDistributionPolicy()
	if !p.Epsilon.IsPositive() {
		p.Epsilon = def.Epsilon
	}
	if strings.TrimSpace(p.PlatformRecipientID) == "" {
		p.PlatformRecipientID = def.PlatformRecipientID
	}
	if p.FeeSchedule == nil {
		p.FeeSchedule = def.FeeSchedule
	}
	return p
}

func (p DistributionPolicy) feePercent(rule Rule) decimal.Decimal {
	if rule.Role == RolePlatform {
		return decimal.Zero
	}
	if rule.PlatformFeePercent != nil {
		return *rule.PlatformFeePercent
	}
	return p.FeeSchedule[rule.Role]
}

// Distribution is one recipient's computed share plus its payout tracking state.
type Distribution struct {
	RecipientID        string           `json:"recipient_id"`
	Role               RecipientRole    `json:"role"`
	Type               DistributionType `json:"type"`
	AppliedRate        decimal.Decimal  `json:"applied_rate"`
	FixedAmount        decimal.Decimal  `json:"fixed_amount"`
	MatchedTier        *Tier            `json:"matched_tier,omitempty"`
	GrossAmount        decimal.Decimal  `json:"gross_amount"`
	PlatformFee        decimal.Decimal  `json:"platform_fee"`
	NetAmount          decimal.Decimal  `json:"net_amount"`
	FeesCollected      decimal.Decimal  `json:"fees_collected"`
	RoundingAdjustment decimal.Decimal  `json:"rounding_adjustment"`

	PayoutStatus        PayoutStatus    `json:"payout_status"`
	PayoutTransactionID string          `json:"payout_transaction_id,omitempty"`
	PaidAmount          decimal.Decimal `json:"paid_amount"`
	PaidAt              *time.Time      `json:"paid_at,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	RetryCount          int             `json:"retry_count"`
	HeldAmount          decimal.Decimal `json:"held_amount"`
	Holds               []Hold          `json:"holds,omitempty"`
}

// ValidateRules rejects rule sets that cannot produce a distribution regardless of the total.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return &RuleError{Index: -1, Reason: "at least one rule is required"}
	}
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		id := strings.TrimSpace(rule.RecipientID)
		if id == "" {
			return &RuleError{Index: i, Reason: "recipient id is required"}
		}
		if _, dup := seen[id]; dup {
			return &RuleError{Index: i, RecipientID: id, Reason: "duplicate recipient"}
		}
		seen[id] = struct{}{}
		if !rule.Role.Valid() {
			return &RuleError{Index: i, RecipientID: id, Reason: fmt.Sprintf("unknown role %q", rule.Role)}
		}
		if rule.PlatformFeePercent != nil && !isPercent(*rule.PlatformFeePercent) {
			return &RuleError{Index: i, RecipientID: id, Reason: "platform fee percent must be within 0..100"}
		}
		if rule.Recurring != nil && rule.Recurring.Enabled && rule.Recurring.DurationMonths <= 0 {
			return &RuleError{Index: i, RecipientID: id, Reason: "recurring commission needs a positive duration"}
		}
		switch rule.Type {
		case DistributionPercentage:
			if !isPercent(rule.Percentage) {
				return &RuleError{Index: i, RecipientID: id, Reason: "percentage must be within 0..100"}
			}
		case DistributionFixed:
			if rule.FixedAmount.IsNegative() {
				return &RuleError{Index: i, RecipientID: id, Reason: "fixed amount must not be negative"}
			}
		case DistributionTiered:
			if err := validateTiers(i, id, rule); err != nil {
				return err
			}
		default:
			return &RuleError{Index: i, RecipientID: id, Reason: fmt.Sprintf("unknown distribution type %q", rule.Type)}
		}
	}
	return nil
}

func validateTiers(index int, id string, rule Rule) error {
	if len(rule.Tiers) == 0 {
		return &RuleError{Index: index, RecipientID: id, Reason: "tiered rule has no bands"}
	}
	if rule.Usage < 0 {
		return &RuleError{Index: index, RecipientID: id, Reason: "usage must not be negative"}
	}
	for j, tier := range rule.Tiers {
		if tier.MinUsage < 0 || (tier.MaxUsage != 0 && tier.MaxUsage <= tier.MinUsage) {
			return &RuleError{Index: index, RecipientID: id, Reason: fmt.Sprintf("band %d has an empty range", j)}
		}
		if !isPercent(tier.CommissionRate) {
			return &RuleError{Index: index, RecipientID: id, Reason: fmt.Sprintf("band %d commission rate must be within 0..100", j)}
		}
		if j == 0 {
			continue
		}
		prev := rule.Tiers[j-1]
		if prev.MaxUsage == 0 || tier.MinUsage < prev.MaxUsage {
			return &RuleError{Index: index, RecipientID: id, Reason: fmt.Sprintf("band %d overlaps band %d", j, j-1)}
		}
	}
	return nil
}

func isPercent(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(hundred)
}

// MatchTier returns the single band containing usage.
func MatchTier(tiers []Tier, usage int64) (Tier, bool) {
	for _, tier := range tiers {
		if tier.Contains(usage) {
			return tier, true
		}
	}
	return Tier{}, false
}

// ComputeDistribution splits total across rules. It has no side effects; callers persist the result.
func ComputeDistribution(total decimal.Decimal, currency string, rules []Rule, policy DistributionPolicy) ([]Distribution, error) {
	policy = policy.withDefaults()
	if !total.IsPositive() {
		return nil, &RuleError{Index: -1, Reason: "total amount must be positive"}
	}
	if strings.TrimSpace(currency) == "" {
		return nil, &RuleError{Index: -1, Reason: "currency is required"}
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	total = RoundAmount(total)

	lines := make([]Distribution, 0, len(rules)+1)
	remaining := total
	fees := decimal.Zero
	platformIdx := -1
	for i, rule := range rules {
		line := Distribution{
			RecipientID:  strings.TrimSpace(rule.RecipientID),
			Role:         rule.Role,
			Type:         rule.Type,
			PayoutStatus: PayoutPending,
		}
		switch rule.Type {
		case DistributionPercentage:
			line.AppliedRate = rule.Percentage
			line.GrossAmount = RoundAmount(total.Mul(rule.Percentage).Div(hundred))
		case DistributionFixed:
			line.FixedAmount = RoundAmount(rule.FixedAmount)
			line.GrossAmount = decimal.Min(line.FixedAmount, decimal.Max(remaining, decimal.Zero))
		case DistributionTiered:
			tier, ok := MatchTier(rule.Tiers, rule.Usage)
			if !ok {
				return nil, &RuleError{Index: i, RecipientID: line.RecipientID, Reason: fmt.Sprintf("usage %d matches no tier band", rule.Usage)}
			}
			line.MatchedTier = &tier
			line.AppliedRate = tier.CommissionRate
			line.GrossAmount = RoundAmount(total.Mul(tier.CommissionRate).Div(hundred))
		}
		line.PlatformFee = RoundAmount(line.GrossAmount.Mul(policy.feePercent(rule)).Div(hundred))
		line.NetAmount = line.GrossAmount.Sub(line.PlatformFee)
		if line.NetAmount.IsNegative() {
			return nil, &RuleError{Index: i, RecipientID: line.RecipientID, Reason: "net amount would be negative"}
		}
		remaining = remaining.Sub(line.GrossAmount)
		fees = fees.Add(line.PlatformFee)
		if rule.Role == RolePlatform && platformIdx < 0 {
			platformIdx = len(lines)
		}
		lines = append(lines, line)
	}

	residual := total.Sub(sumNet(lines))
	if platformIdx < 0 && residual.IsPositive() {
		lines = append(lines, Distribution{
			RecipientID:  policy.PlatformRecipientID,
			Role:         RolePlatform,
			Type:         DistributionPercentage,
			PayoutStatus: PayoutPending,
		})
		platformIdx = len(lines) - 1
	}
	if platformIdx >= 0 {
		platform := &lines[platformIdx]
		platform.FeesCollected = fees
		platform.GrossAmount = platform.GrossAmount.Add(fees)
		platform.NetAmount = platform.NetAmount.Add(fees)

		residual = total.Sub(sumNet(lines))
		absorbable := residual.IsPositive() ||
			(residual.Abs().LessThanOrEqual(policy.Epsilon) && platform.NetAmount.GreaterThanOrEqual(residual.Abs()))
		if !residual.IsZero() && absorbable {
			platform.RoundingAdjustment = residual
			platform.GrossAmount = platform.GrossAmount.Add(residual)
			platform.NetAmount = platform.NetAmount.Add(residual)
		}
	}

	sum := sumNet(lines)
	if diff := total.Sub(sum); diff.Abs().GreaterThan(policy.Epsilon) {
		return nil, &DistributionMismatchError{Total: total, Sum: sum, Difference: diff, Epsilon: policy.Epsilon}
	}
	return lines, nil
}

func sumNet(lines []Distribution) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.NetAmount)
	}
	return sum
}

// RulesForCycle returns the rules that apply on a renewal billing cycle of a subscription.
// Cycle 0 is the initial sale.
func RulesForCycle(snapshot []Rule, cycle int) []Rule {
	out := make([]Rule, 0, len(snapshot))
	for _, rule := range snapshot {
		if cycle <= 0 || !rule.Role.IsCommission() {
			out = append(out, rule)
			continue
		}
		if rule.Recurring != nil && rule.Recurring.Enabled && cycle <= rule.Recurring.DurationMonths {
			out = append(out, rule)
		}
	}
	return out
}

type Reversal struct {
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// ComputeReversal spreads a refund across the lines pro rata to their net amounts.
func ComputeReversal(lines []Distribution, total, refundAmount decimal.Decimal) ([]Reversal, error) {
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(total) || !total.IsPositive() {
		return nil, ErrInvalidInput
	}
	out := make([]Reversal, 0, len(lines))
	target := -1
	allocated := decimal.Zero
	for _, line := range lines {
		if !line.NetAmount.IsPositive() {
			continue
		}
		amount := RoundAmount(line.NetAmount.Mul(refundAmount).Div(total))
		if line.Role == RolePlatform && target < 0 {
			target = len(out)
		}
		out = append(out, Reversal{RecipientID: line.RecipientID, Amount: amount})
		allocated = allocated.Add(amount)
	}
	if len(out) == 0 {
		return nil, ErrInvalidInput
	}
	if diff := refundAmount.Sub(allocated); !diff.IsZero() {
		if target < 0 {
			target = largestReversal(out)
		}
		out[target].Amount = out[target].Amount.Add(diff)
	}
	return out, nil
}

func largestReversal(in []Reversal) int {
	idx := 0
	for i := range in {
		if in[i].Amount.GreaterThan(in[idx].Amount) {
			idx = i
		}
	}
	return idx
}
