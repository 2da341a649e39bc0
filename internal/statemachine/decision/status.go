// Package decision models the post-submission underwriting lifecycle as a
// closed set of statuses and a static graph of legal transitions.
package decision

import (
	"fmt"
	"sort"

	apperrors "application-lifecycle/internal/common/errors"
)

// Status is a loan decision status. The zero value is not a valid status.
type Status string

const (
	Submitted                       Status = "submitted"
	AwaitingCreditCheck             Status = "awaiting_credit_check"
	CreditCheckGoodApproved         Status = "credit_check_good_approved"
	CreditCheckPoorRejected         Status = "credit_check_poor_rejected"
	AwaitingBlacklistReportDecision Status = "awaiting_blacklist_report_decision"
	BlacklistReportDeclined         Status = "blacklist_report_declined"
	AwaitingBlacklistReportPayment  Status = "awaiting_blacklist_report_payment"
	BlacklistReportPaid             Status = "blacklist_report_paid"
	SalaryNotRegularRejected        Status = "salary_not_regular_rejected"
	InsufficientSalaryRejected      Status = "insufficient_salary_rejected"
	AwaitingPeriodAdjustment        Status = "awaiting_period_adjustment_decision"
	PeriodAdjustmentDeclined        Status = "period_adjustment_declined"
	PeriodAdjustedResubmitted       Status = "period_adjusted_resubmitted"
	ApprovedAwaitingDelivery        Status = "approved_awaiting_delivery"
	Approved                        Status = "approved"
	Rejected                        Status = "rejected"
	Cancelled                       Status = "cancelled"
)

type statusInfo struct {
	message        string
	requiresAction bool
	final          bool
	delivery       bool
	next           []Status
}

// underwritingOutcomes is the edge set shared by the two states that wait on
// a bank response.
var underwritingOutcomes = []Status{
	CreditCheckGoodApproved,
	CreditCheckPoorRejected,
	SalaryNotRegularRejected,
	InsufficientSalaryRejected,
	ApprovedAwaitingDelivery,
}

var table = map[Status]statusInfo{
	Submitted: {
		message: "Application submitted successfully",
		next:    []Status{AwaitingCreditCheck},
	},
	AwaitingCreditCheck: {
		message: "Application received successfully, awaiting credit check rating",
		next:    underwritingOutcomes,
	},
	CreditCheckGoodApproved: {
		message: "Credit check rating received - Good - Approved",
		final:   true,
	},
	CreditCheckPoorRejected: {
		message: "Credit check rating received - Poor - Rejected",
		next:    []Status{AwaitingBlacklistReportDecision},
	},
	AwaitingBlacklistReportDecision: {
		message:        "Do you want to see which institution blacklisted you?",
		requiresAction: true,
		next:           []Status{BlacklistReportDeclined, AwaitingBlacklistReportPayment},
	},
	BlacklistReportDeclined: {
		message: "Thank you for your interest. Kindly reapply when circumstances in your credit rating have changed.",
		final:   true,
	},
	AwaitingBlacklistReportPayment: {
		message:        "Blacklist report available. Search fee is $5. Proceed to payment.",
		requiresAction: true,
		next:           []Status{BlacklistReportPaid, BlacklistReportDeclined},
	},
	BlacklistReportPaid: {
		message: "Blacklist report payment received. Report will be sent shortly.",
	},
	SalaryNotRegularRejected: {
		message: "ZB response received - Salary not being deposited regularly - Rejected",
		final:   true,
	},
	InsufficientSalaryRejected: {
		message: "ZB response received - Insufficient salary - Rejected",
		next:    []Status{AwaitingPeriodAdjustment},
	},
	AwaitingPeriodAdjustment: {
		message:        "Do you want to apply for a longer period so the installment reduces?",
		requiresAction: true,
		next:           []Status{PeriodAdjustedResubmitted, PeriodAdjustmentDeclined},
	},
	PeriodAdjustmentDeclined: {
		message: "Application declined. Thank you for your interest.",
		final:   true,
	},
	PeriodAdjustedResubmitted: {
		message: "Application resubmitted with adjusted period. Check again after 24 hours.",
		next:    underwritingOutcomes,
	},
	ApprovedAwaitingDelivery: {
		message:  "ZB response received - Approved. Track your delivery after 24 hours.",
		delivery: true,
		next:     []Status{Approved},
	},
	Approved: {
		message:  "Application approved",
		final:    true,
		delivery: true,
	},
	Rejected: {
		message: "Application rejected",
		final:   true,
	},
	Cancelled: {
		message: "Application cancelled",
		final:   true,
	},
}

// Parse converts a raw value into a Status. Unknown values are an error.
func Parse(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := table[s]; !ok {
		return "", fmt.Errorf("unknown decision status %q", raw)
	}
	return s, nil
}

// IsStatus reports whether raw belongs to the decision vocabulary.
func IsStatus(raw string) bool {
	_, ok := table[Status(raw)]
	return ok
}

// All returns every status in a stable order.
func All() []Status {
	out := make([]Status, 0, len(table))
	for s := range table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Status) String() string { return string(s) }

// Message returns the user-facing copy sent with status notifications.
func (s Status) Message() string {
	return table[s].message
}

// RequiresUserAction reports whether the applicant must answer before the
// application can move on.
func (s Status) RequiresUserAction() bool {
	return table[s].requiresAction
}

func (s Status) IsFinal() bool {
	return table[s].final
}

// AllowsDeliveryTracking reports whether the applicant may track delivery.
func (s Status) AllowsDeliveryTracking() bool {
	return table[s].delivery
}

// AllowedTransitions returns a copy of the outgoing edge set.
func (s Status) AllowedTransitions() []Status {
	next := table[s].next
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransitionTo reports whether to is a legal edge out of s.
func (s Status) CanTransitionTo(to Status) bool {
	for _, n := range table[s].next {
		if n == to {
			return true
		}
	}
	return false
}

// CanCancel reports whether an administrative cancellation may be applied.
// Cancellation bypasses the graph but never reopens a final status.
func (s Status) CanCancel() bool {
	_, known := table[s]
	return known && !s.IsFinal()
}

// ValidateTransition returns an IllegalTransitionError when to is not an edge
// out of from.
func ValidateTransition(from, to Status) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return apperrors.NewIllegalTransitionError(string(from), string(to), Strings(from.AllowedTransitions()))
}

// Strings converts statuses to their raw values.
func Strings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
