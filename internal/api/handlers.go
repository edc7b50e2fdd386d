package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"exchange-ledger/ledger"
)

const resyncTimeout = 10 * time.Second

type purchaseRequest struct {
	Currency string `json:"currency"`
	Quantity amount `json:"quantity"`
	UnitCost amount `json:"unitCost"`
}

type saleRequest struct {
	Currency  string `json:"currency"`
	Quantity  amount `json:"quantity"`
	UnitPrice amount `json:"unitPrice"`
}

type positionResponse struct {
	ledger.Position
	BookValue string `json:"bookValue"`
}

type purchaseResponse struct {
	Position positionResponse `json:"position"`
	Durable  bool             `json:"durable"`
	Error    string           `json:"error,omitempty"`
}

type saleResponse struct {
	ledger.SaleResult
	ProfitPercent string `json:"profitPercent"` // 两位小数
	Durable       bool   `json:"durable"`
	Error         string `json:"error,omitempty"`
}

type valuationResponse struct {
	Currency    string `json:"currency"`
	Mark        string `json:"mark"`
	Quantity    string `json:"quantity"`
	BookValue   string `json:"bookValue"`
	MarketValue string `json:"marketValue"`
	Unrealized  string `json:"unrealized"`
}

type healthResponse struct {
	Status string   `json:"status"`
	Dirty  []string `json:"dirty"`
}

func toPositionResponse(p ledger.Position) positionResponse {
	return positionResponse{Position: p, BookValue: p.BookValue().String()}
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Quantity.set || !req.UnitCost.set {
		WriteError(w, http.StatusBadRequest, "invalid_argument", "quantity and unitCost are required")
		return
	}

	p, err := s.ledger.RecordPurchase(req.Currency, req.Quantity.value, req.UnitCost.value)
	status, code := statusFor(err)
	if status != http.StatusOK && status != http.StatusAccepted {
		WriteError(w, status, code, err.Error())
		return
	}
	resp := purchaseResponse{Position: toPositionResponse(p), Durable: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	WriteJSON(w, status, resp)
}

func (s *Server) sale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Quantity.set || !req.UnitPrice.set {
		WriteError(w, http.StatusBadRequest, "invalid_argument", "quantity and unitPrice are required")
		return
	}

	res, err := s.ledger.RecordSale(req.Currency, req.Quantity.value, req.UnitPrice.value)
	status, code := statusFor(err)
	if status != http.StatusOK && status != http.StatusAccepted {
		WriteError(w, status, code, err.Error())
		return
	}
	resp := saleResponse{
		SaleResult:    res,
		ProfitPercent: res.ProfitPercent.StringFixed(2),
		Durable:       err == nil,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	WriteJSON(w, status, resp)
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	all := s.ledger.Positions()
	out := make([]positionResponse, 0, len(all))
	for _, p := range all {
		out = append(out, toPositionResponse(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	currency := ledger.NormalizeCurrency(chi.URLParam(r, "currency"))
	WriteJSON(w, http.StatusOK, toPositionResponse(s.ledger.Position(currency)))
}

func (s *Server) valuation(w http.ResponseWriter, r *http.Request) {
	currency := ledger.NormalizeCurrency(chi.URLParam(r, "currency"))
	mark, err := ledger.ParseAmount(r.URL.Query().Get("mark"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_argument", "mark: "+err.Error())
		return
	}
	if mark.IsNegative() {
		WriteError(w, http.StatusBadRequest, "invalid_argument", "mark must be >= 0")
		return
	}
	p := s.ledger.Position(currency)
	value, unrealized := p.Valuation(mark)
	WriteJSON(w, http.StatusOK, valuationResponse{
		Currency:    p.Currency,
		Mark:        mark.String(),
		Quantity:    p.Quantity.String(),
		BookValue:   p.BookValue().String(),
		MarketValue: value.String(),
		Unrealized:  unrealized.String(),
	})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.Reset()
	s.log.LogLedger("admin_reset", map[string]interface{}{
		"request_id": r.Header.Get(requestIDHeader),
		"durable":    err == nil,
	})
	if err != nil {
		status, code := statusFor(err)
		WriteError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resyncTimeout)
	defer cancel()
	if err := s.ledger.Resync(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "dirty", Dirty: s.ledger.Dirty()})
		return
	}
	WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Dirty: s.ledger.Dirty()})
}

// health 在存在未落盘持仓时返回 degraded，但状态码保持 200。
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	dirty := s.ledger.Dirty()
	status := "ok"
	if len(dirty) > 0 {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, healthResponse{Status: status, Dirty: dirty})
}
