// Package report renders ledger positions as a markdown table. Monetary
// columns are expressed in the base currency and formatted with its ISO
// symbol and minor units.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"exchange-ledger/ledger"
)

// Options 控制报表内容。
type Options struct {
	BaseCurrency string

	// Marks 可选的标记汇率（以基准货币计），用于市值与未实现盈亏列。
	Marks       map[string]decimal.Decimal
	HideFlat    bool
	GeneratedAt time.Time
}

// Row 报表中的一行。
type Row struct {
	Position    ledger.Position
	BookValue   decimal.Decimal
	Mark        *decimal.Decimal
	MarketValue decimal.Decimal
	Unrealized  decimal.Decimal
}

// Report 汇总结果。
type Report struct {
	BaseCurrency    string
	GeneratedAt     time.Time
	Rows            []Row
	TotalBook       decimal.Decimal
	TotalMarket     decimal.Decimal
	TotalUnrealized decimal.Decimal
	HasMarks        bool
}

// Build 按币种排序并计算账面价值与可选估值。
func Build(positions map[string]ledger.Position, opts Options) Report {
	r := Report{
		BaseCurrency: strings.ToUpper(opts.BaseCurrency),
		GeneratedAt:  opts.GeneratedAt,
		HasMarks:     len(opts.Marks) > 0,
	}
	keys := make([]string, 0, len(positions))
	for k, p := range positions {
		if opts.HideFlat && !p.Held() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := positions[k]
		row := Row{Position: p, BookValue: p.BookValue()}
		r.TotalBook = r.TotalBook.Add(row.BookValue)
		if mark, ok := opts.Marks[k]; ok {
			m := mark
			row.Mark = &m
			row.MarketValue, row.Unrealized = p.Valuation(mark)
			r.TotalMarket = r.TotalMarket.Add(row.MarketValue)
			r.TotalUnrealized = r.TotalUnrealized.Add(row.Unrealized)
		}
		r.Rows = append(r.Rows, row)
	}
	return r
}

// Markdown 渲染为 markdown 文本。
func (r Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# Positions\n\n")
	fmt.Fprintf(&b, "Base currency: **%s**", r.BaseCurrency)
	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, ", generated %s", r.GeneratedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n\n")

	if len(r.Rows) == 0 {
		b.WriteString("_No positions._\n")
		return b.String()
	}

	header := []string{"Currency", "Quantity", "Average cost", "Book value"}
	if r.HasMarks {
		header = append(header, "Mark", "Market value", "Unrealized")
	}
	writeRow(&b, header)
	sep := make([]string, len(header))
	for i := range sep {
		if i == 0 {
			sep[i] = "---"
		} else {
			sep[i] = "---:"
		}
	}
	writeRow(&b, sep)

	for _, row := range r.Rows {
		cells := []string{
			row.Position.Currency,
			row.Position.Quantity.String(),
			FormatRate(row.Position.AverageCost, r.BaseCurrency),
			FormatAmount(row.BookValue, r.BaseCurrency),
		}
		if r.HasMarks {
			if row.Mark == nil {
				cells = append(cells, "-", "-", "-")
			} else {
				cells = append(cells,
					FormatRate(*row.Mark, r.BaseCurrency),
					FormatAmount(row.MarketValue, r.BaseCurrency),
					FormatAmount(row.Unrealized, r.BaseCurrency),
				)
			}
		}
		writeRow(&b, cells)
	}

	fmt.Fprintf(&b, "\n**Total book value:** %s\n", FormatAmount(r.TotalBook, r.BaseCurrency))
	if r.HasMarks {
		fmt.Fprintf(&b, "\n**Total market value:** %s (unrealized %s)\n",
			FormatAmount(r.TotalMarket, r.BaseCurrency),
			FormatAmount(r.TotalUnrealized, r.BaseCurrency))
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |\n")
}

// FormatAmount 按 ISO 货币格式化金额，四舍五入到该货币的最小单位。
// 未知币种退回为 "<数值> <代码>"。
func FormatAmount(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return strings.TrimSpace(amount.String() + " " + currency)
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}

// maxRateScale 汇率最多显示的小数位；平均成本做除法后可能带 16 位小数。
const maxRateScale = 8

// FormatRate 格式化单位价格（平均成本、标记价）。至少保留该货币的最小单位位数，
// 多出的有效小数原样保留，最多 maxRateScale 位。
func FormatRate(rate decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return strings.TrimSpace(rate.String() + " " + currency)
	}
	scale := cur.Fraction
	if s := rate.String(); strings.Contains(s, ".") {
		if places := len(s) - strings.IndexByte(s, '.') - 1; places > scale {
			scale = places
		}
	}
	if scale > maxRateScale {
		scale = maxRateScale
	}
	minor := rate.Shift(int32(scale)).Round(0).IntPart()
	return money.NewFormatter(scale, cur.Decimal, cur.Thousand, cur.Grapheme, cur.Template).Format(minor)
}
