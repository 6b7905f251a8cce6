package pdf

import (
	"context"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(12, "Payment receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 4}),
			text.New("Service period: "+receipt.ServicePeriod, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Subscriber", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.WalletAddress, props.Text{Top: 5, Size: 7}),
			text.New(receipt.Email, props.Text{Top: 10}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, receipt.Amount+" "+receipt.Currency+" paid on "+receipt.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(8, receipt.PlanName+" ("+receipt.Interval+")", props.Text{Size: 9}),
		text.NewCol(4, receipt.Amount+" "+receipt.Currency, props.Text{Size: 9, Align: align.Right}),
	)

	if receipt.TransactionHash != "" {
		m.AddRow(10,
			text.NewCol(12, "Transaction: "+receipt.TransactionHash, props.Text{Size: 8, Top: 2}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
