package report

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-ledger/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixture() map[string]ledger.Position {
	return map[string]ledger.Position{
		"USD": {Currency: "USD", Quantity: d("70"), AverageCost: d("3")},
		"EUR": {Currency: "EUR", Quantity: d("10"), AverageCost: d("1234.5")},
		"GBP": {Currency: "GBP", Quantity: d("0"), AverageCost: d("5")},
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$210.00", FormatAmount(d("210"), "USD"))
	assert.Equal(t, "$12,345.68", FormatAmount(d("12345.675"), "USD"))
	assert.Equal(t, "1.5 XYZ", FormatAmount(d("1.5"), "XYZ"))
}

func TestBuildTotalsAndOrder(t *testing.T) {
	r := Build(fixture(), Options{BaseCurrency: "usd"})
	require.Len(t, r.Rows, 3)
	assert.Equal(t, "EUR", r.Rows[0].Position.Currency)
	assert.Equal(t, "GBP", r.Rows[1].Position.Currency)
	assert.Equal(t, "USD", r.Rows[2].Position.Currency)
	assert.True(t, r.TotalBook.Equal(d("12555")), "total %s", r.TotalBook)
	assert.Equal(t, "USD", r.BaseCurrency)
	assert.False(t, r.HasMarks)

	r = Build(fixture(), Options{BaseCurrency: "USD", HideFlat: true})
	assert.Len(t, r.Rows, 2)
}

func TestMarkdownWithoutMarks(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	md := Build(fixture(), Options{BaseCurrency: "USD", GeneratedAt: at, HideFlat: true}).Markdown()

	assert.Contains(t, md, "Base currency: **USD**, generated 2024-05-01T10:00:00Z")
	assert.Contains(t, md, "| Currency | Quantity | Average cost | Book value |")
	assert.Contains(t, md, "| EUR | 10 | $1,234.50 | $12,345.00 |")
	assert.Contains(t, md, "| USD | 70 | $3.00 | $210.00 |")
	assert.Contains(t, md, "**Total book value:** $12,555.00")
	assert.NotContains(t, md, "Market value")
	assert.NotContains(t, md, "GBP")
}

func TestMarkdownWithMarks(t *testing.T) {
	md := Build(fixture(), Options{
		BaseCurrency: "USD",
		Marks:        map[string]decimal.Decimal{"USD": d("4")},
		HideFlat:     true,
	}).Markdown()

	assert.Contains(t, md, "| USD | 70 | $3.00 | $210.00 | $4.00 | $280.00 | $70.00 |")
	assert.Contains(t, md, "| EUR | 10 | $1,234.50 | $12,345.00 | - | - | - |")
	assert.Contains(t, md, "**Total market value:** $280.00 (unrealized $70.00)")
}

func TestFormatRateKeepsPrecision(t *testing.T) {
	assert.Equal(t, "$5.3425", FormatRate(d("5.3425"), "USD"))
	assert.Equal(t, "$3.00", FormatRate(d("3"), "USD"))
	assert.Equal(t, "$0.33333333", FormatRate(d("1").Div(d("3")), "USD"))
	assert.Equal(t, "$1,234.50", FormatRate(d("1234.5"), "USD"))
	assert.Equal(t, "0.125 XYZ", FormatRate(d("0.125"), "XYZ"))

	md := Build(map[string]ledger.Position{
		"EUR": {Currency: "EUR", Quantity: d("4"), AverageCost: d("5.3425")},
	}, Options{BaseCurrency: "USD", Marks: map[string]decimal.Decimal{"EUR": d("5.41125")}}).Markdown()
	assert.Contains(t, md, "| EUR | 4 | $5.3425 | $21.37 | $5.41125 | $21.65 | $0.28 |")
}

func TestMarkdownEmpty(t *testing.T) {
	md := Build(nil, Options{BaseCurrency: "ARS"}).Markdown()
	assert.True(t, strings.HasSuffix(md, "_No positions._\n"))
}
