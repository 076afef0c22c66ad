package rules

import (
	"github.com/shopspring/decimal"

	"github.com/fintech/transaction-core/internal/models"
)

// Policy reasons recorded on the transaction record.
const (
	ReasonAmountExceedsHardLimit = "amount exceeds hard limit"
	ReasonAmountRequiresReview   = "amount requires review"
	ReasonLowRiskAmount          = "low risk amount"
)

// Result is a single policy decision over a transaction request.
type Result struct {
	Decision  models.Decision
	Reason    string
	RiskScore float64
}

// Evaluator decides a transaction. The processor treats this as the domain
// effect: it runs at most once per recorded attempt.
type Evaluator interface {
	Evaluate(req *models.TransactionRequest) Result
}

// Rule evaluates a request and either returns a decision or passes.
type Rule interface {
	Apply(req *models.TransactionRequest) (Result, bool)
}

// AmountDenyRule rejects transactions at or above a hard amount limit.
type AmountDenyRule struct {
	Threshold decimal.Decimal
}

func (r AmountDenyRule) Apply(req *models.TransactionRequest) (Result, bool) {
	if req.Amount().GreaterThanOrEqual(r.Threshold) {
		return Result{
			Decision:  models.DecisionReject,
			Reason:    ReasonAmountExceedsHardLimit,
			RiskScore: 0.95,
		}, true
	}
	return Result{}, false
}

// AmountReviewRule flags transactions at or above a review limit.
type AmountReviewRule struct {
	Threshold decimal.Decimal
}

func (r AmountReviewRule) Apply(req *models.TransactionRequest) (Result, bool) {
	if req.Amount().GreaterThanOrEqual(r.Threshold) {
		return Result{
			Decision:  models.DecisionReview,
			Reason:    ReasonAmountRequiresReview,
			RiskScore: 0.7,
		}, true
	}
	return Result{}, false
}

// DefaultApproveRule approves anything the earlier rules passed on.
type DefaultApproveRule struct {
	RiskScore float64
}

func (r DefaultApproveRule) Apply(req *models.TransactionRequest) (Result, bool) {
	return Result{
		Decision:  models.DecisionApprove,
		Reason:    ReasonLowRiskAmount,
		RiskScore: r.RiskScore,
	}, true
}

// Engine runs rules in order and returns the first decision. The default
// approve rule terminates the chain, so Evaluate always decides.
type Engine struct {
	rules []Rule
}

// NewEngine builds the standard chain: deny, review, default approve.
// Thresholds are in major units of the request currency.
func NewEngine(denyThreshold, reviewThreshold decimal.Decimal) *Engine {
	return &Engine{
		rules: []Rule{
			AmountDenyRule{Threshold: denyThreshold},
			AmountReviewRule{Threshold: reviewThreshold},
			DefaultApproveRule{RiskScore: 0.1},
		},
	}
}

var _ Evaluator = (*Engine)(nil)

// Evaluate applies the chain to the request.
func (e *Engine) Evaluate(req *models.TransactionRequest) Result {
	for _, rule := range e.rules {
		if result, ok := rule.Apply(req); ok {
			return result
		}
	}
	// Unreachable with the standard chain; kept so a custom chain without a
	// terminal rule still decides.
	return Result{Decision: models.DecisionApprove, Reason: ReasonLowRiskAmount, RiskScore: 0.1}
}
