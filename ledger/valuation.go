package ledger

import "github.com/shopspring/decimal"

// Valuation 基于外部给定的标记汇率计算市值与未实现盈亏。
func (p Position) Valuation(mark decimal.Decimal) (value decimal.Decimal, unrealized decimal.Decimal) {
	value = p.Quantity.Mul(mark)
	unrealized = mark.Sub(p.AverageCost).Mul(p.Quantity)
	return
}
