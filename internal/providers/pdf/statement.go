package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// StatementData is the pre-formatted content of a resolution statement.
type StatementData struct {
	DisputeID     string
	BookingID     string
	Reason        string
	OpenedAt      string
	ResolvedAt    string
	Resolution    string
	Currency      string
	EscrowAmount  string
	RefundPercent string
	RefundAmount  string
	VendorAmount  string
	PlatformFee   string
	PenaltyFee    string
	PenaltyParty  string
	Summary       string
	Timeline      []StatementEvent
}

type StatementEvent struct {
	At    string
	From  string
	To    string
	Event string
	Actor string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	if data.DisputeID == "" {
		return nil, errors.New("statement requires a dispute id")
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Dispute resolution statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Dispute: "+data.DisputeID, props.Text{Top: 0}),
			text.New("Booking: "+data.BookingID, props.Text{Top: 5}),
			text.New("Reason: "+data.Reason, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Opened: "+data.OpenedAt, props.Text{Top: 0, Align: align.Right}),
			text.New("Resolved: "+data.ResolvedAt, props.Text{Top: 5, Align: align.Right}),
			text.New("Resolution: "+data.Resolution, props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Distribution", props.Text{Style: fontstyle.Bold, Size: 10}),
		text.NewCol(4, "Amount ("+data.Currency+")", props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
	)
	rows := [][2]string{
		{"Escrow held", data.EscrowAmount},
		{"Refund to customer (" + data.RefundPercent + ")", data.RefundAmount},
		{"Released to vendor", data.VendorAmount},
		{"Platform deduction", data.PlatformFee},
	}
	if data.PenaltyFee != "" {
		rows = append(rows, [2]string{"External resolution fee charged to " + data.PenaltyParty, data.PenaltyFee})
	}
	for _, row := range rows {
		m.AddRow(8,
			text.NewCol(8, row[0], props.Text{Size: 9}),
			text.NewCol(4, row[1], props.Text{Size: 9, Align: align.Right}),
		)
	}

	if data.Summary != "" {
		m.AddRow(8, text.NewCol(12, "Summary", props.Text{Style: fontstyle.Bold, Size: 10, Top: 3}))
		m.AddRow(20, text.NewCol(12, data.Summary, props.Text{Size: 9}))
	}

	if len(data.Timeline) > 0 {
		m.AddRow(10,
			text.NewCol(4, "When", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(5, "Transition", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(3, "By", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		)
		for _, ev := range data.Timeline {
			m.AddRow(7,
				text.NewCol(4, ev.At, props.Text{Size: 8}),
				text.NewCol(5, ev.From+" -> "+ev.To+" ("+ev.Event+")", props.Text{Size: 8}),
				text.NewCol(3, ev.Actor, props.Text{Size: 8, Align: align.Right}),
			)
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
