package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// StatementData is a pre-formatted daily settlement. Amounts are display strings.
type StatementData struct {
	RestaurantName string
	BusinessDate   string
	Status         string
	GeneratedAt    string

	Lines []StatementLine

	TotalSales       string
	Refunds          string
	Tips             string
	Discounts        string
	TransactionCount string

	CashCounted  string
	CashVariance string
}

type StatementLine struct {
	Label  string
	Amount string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateSettlementStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	if data.BusinessDate == "" {
		return nil, errors.New("statement requires a business date")
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Settlement statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.Status, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(18,
		col.New(8).Add(
			text.New(data.RestaurantName, props.Text{Style: fontstyle.Bold}),
			text.New("Business date: "+data.BusinessDate, props.Text{Top: 5}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 10, Size: 8}),
		),
		col.New(4),
	)

	m.AddRow(8,
		text.NewCol(8, "Method", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, item := range data.Lines {
		m.AddRow(7,
			text.NewCol(8, item.Label, props.Text{Size: 9}),
			text.NewCol(4, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(2, line.NewCol(12))
	addTotal(m, "Refunds", data.Refunds, false)
	addTotal(m, "Tips (included)", data.Tips, false)
	addTotal(m, "Discounts given", data.Discounts, false)
	addTotal(m, "Transactions", data.TransactionCount, false)
	addTotal(m, "Net sales", data.TotalSales, true)

	if data.CashCounted != "" {
		m.AddRow(6, col.New(12))
		addTotal(m, "Cash counted", data.CashCounted, false)
		addTotal(m, "Cash variance", data.CashVariance, true)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}

func addTotal(m core.Maroto, label, value string, bold bool) {
	style := fontstyle.Normal
	if bold {
		style = fontstyle.Bold
	}
	m.AddRow(7,
		col.New(6),
		text.NewCol(3, label, props.Text{Size: 9, Style: style}),
		text.NewCol(3, value, props.Text{Size: 9, Style: style, Align: align.Right}),
	)
}
