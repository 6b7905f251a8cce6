package pdf

import (
	"context"
)

// ReceiptData is the already-formatted content of one payment receipt.
type ReceiptData struct {
	ReceiptNumber   string
	DatePaid        string
	PlanName        string
	Interval        string
	WalletAddress   string
	Email           string
	Amount          string
	Currency        string
	TransactionHash string
	ServicePeriod   string
}

type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

type NoOpProvider struct{}

func (p *NoOpProvider) GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error) {
	return nil, nil
}
