package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position 单一币种的库存数量与加权平均成本。
type Position struct {
	Currency    string          `json:"currency"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Held 数量大于零即为持仓状态，否则为空仓。
func (p Position) Held() bool {
	return p.Quantity.IsPositive()
}

// BookValue 按平均成本计算的账面价值。
func (p Position) BookValue() decimal.Decimal {
	return p.Quantity.Mul(p.AverageCost)
}

// Equal compares values, ignoring decimal exponent and the monotonic clock reading.
func (p Position) Equal(o Position) bool {
	return p.Currency == o.Currency &&
		p.Quantity.Equal(o.Quantity) &&
		p.AverageCost.Equal(o.AverageCost) &&
		p.LastUpdated.Equal(o.LastUpdated)
}

// SaleResult 一次卖出的已实现盈亏。
type SaleResult struct {
	OperationID   string          `json:"operationId"`
	Currency      string          `json:"currency"`
	TotalProfit   decimal.Decimal `json:"totalProfit"`
	ProfitPerUnit decimal.Decimal `json:"profitPerUnit"`
	ProfitPercent decimal.Decimal `json:"profitPercent"`
	AverageCost   decimal.Decimal `json:"averageCost"`
	QuantitySold  decimal.Decimal `json:"quantitySold"`

	// 卖出数量超过持仓时置位，Oversold 为超出部分；数量已被截断为零。
	OverdraftClamped bool            `json:"overdraftClamped"`
	Oversold         decimal.Decimal `json:"oversold"`

	Position Position `json:"position"`
}

func zeroPosition(currency string) Position {
	return Position{
		Currency:    currency,
		Quantity:    decimal.Zero,
		AverageCost: decimal.Zero,
	}
}

// applyPurchase 加权平均：空仓买入时旧项为零，平均成本即本次单价。
func applyPurchase(p Position, qty, unitCost decimal.Decimal, at time.Time) Position {
	totalOld := p.Quantity.Mul(p.AverageCost)
	totalNew := qty.Mul(unitCost)
	newQty := p.Quantity.Add(qty)
	avg := unitCost
	if newQty.IsPositive() {
		avg = totalOld.Add(totalNew).Div(newQty)
	}
	return Position{
		Currency:    p.Currency,
		Quantity:    newQty,
		AverageCost: avg,
		LastUpdated: at,
	}
}

// applySale 卖出不改变平均成本；超卖时数量截断为零，盈亏仍按全部卖出数量计算。
func applySale(p Position, qty, unitPrice decimal.Decimal, at time.Time) (Position, SaleResult) {
	avg := p.AverageCost
	perUnit := unitPrice.Sub(avg)
	pct := decimal.Zero
	if avg.IsPositive() {
		pct = perUnit.Div(avg).Mul(hundred)
	}

	newQty := p.Quantity.Sub(qty)
	oversold := decimal.Zero
	clamped := false
	if newQty.IsNegative() {
		oversold = newQty.Neg()
		newQty = decimal.Zero
		clamped = true
	}

	next := Position{
		Currency:    p.Currency,
		Quantity:    newQty,
		AverageCost: avg,
		LastUpdated: at,
	}
	return next, SaleResult{
		Currency:         p.Currency,
		TotalProfit:      perUnit.Mul(qty),
		ProfitPerUnit:    perUnit,
		ProfitPercent:    pct,
		AverageCost:      avg,
		QuantitySold:     qty,
		OverdraftClamped: clamped,
		Oversold:         oversold,
		Position:         next,
	}
}

// NormalizeCurrency trims and upper-cases a currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ParseAmount 解析操作员输入的数量/价格，拒绝 NaN、Inf 等非有限值。
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, invalid("empty amount")
	}
	switch strings.TrimLeft(strings.ToLower(s), "+-") {
	case "nan", "inf", "infinity":
		return decimal.Zero, invalid("non-finite amount %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalid("malformed amount %q", s)
	}
	return d, nil
}

func validateMovement(currency string, qty, price decimal.Decimal, priceName string) (string, error) {
	key := NormalizeCurrency(currency)
	if key == "" {
		return "", invalid("currency is required")
	}
	if !qty.IsPositive() {
		return "", invalid("quantity must be > 0, got %s", qty)
	}
	if price.IsNegative() {
		return "", invalid("%s must be >= 0, got %s", priceName, price)
	}
	return key, nil
}
