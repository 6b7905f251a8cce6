package domain

import (
	"context"

	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
)

// RecordPaymentRequest is one payment attempt. IdempotencyKey falls back to
// TransactionHash; at least one is required.
type RecordPaymentRequest struct {
	SubscriberID    string                 `json:"subscriber_id"`
	Amount          decimal.Decimal        `json:"amount"`
	Currency        billingdomain.Currency `json:"currency"`
	TransactionHash string                 `json:"transaction_hash"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Confirmations   int                    `json:"confirmations"`
	// FailureReason reports a chain-side failure observed by the caller.
	FailureReason string         `json:"failure_reason"`
	Metadata      map[string]any `json:"metadata"`
}

type RefundRequest struct {
	PaymentID string `json:"-"`
	Reason    string `json:"reason"`
}

type ListPaymentRequest struct {
	pagination.Pagination
	SubscriberID string `form:"subscriber_id"`
	PlanID       string `form:"plan_id"`
	Status       string `form:"status"`
}

type ListPaymentResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

type Service interface {
	RecordPayment(context.Context, RecordPaymentRequest) (Payment, error)
	RefundPayment(context.Context, RefundRequest) (Payment, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	ListPayments(context.Context, ListPaymentRequest) (ListPaymentResponse, error)
	RenderReceipt(ctx context.Context, id string) ([]byte, error)
}

var (
	ErrInvalidAmount         = errs.Validation("invalid_amount")
	ErrInvalidCurrency       = errs.Validation("invalid_currency")
	ErrInvalidSubscriber     = errs.Validation("invalid_subscriber")
	ErrMissingIdempotencyKey = errs.Validation("missing_idempotency_key")
	ErrInvalidStatus         = errs.Validation("invalid_status")
	ErrInvalidID             = errs.Validation("invalid_id")

	ErrPaymentNotFound = errs.NotFound("payment_not_found")

	ErrSubscriberCancelled = errs.InvalidTransition("subscriber_cancelled")
	ErrNotRefundable       = errs.InvalidTransition("payment_not_refundable")
	ErrReceiptUnavailable  = errs.InvalidTransition("receipt_unavailable")

	ErrIdempotencyConflict = errs.Conflict("idempotency_key_conflict")
)
