package bearer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/iliyamo/workshop-billing/internal/gateway"
)

type refundRequest struct {
	Amount money       `json:"amount"`
	Items  []orderItem `json:"items,omitempty"`
}

type refundResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Amount  json.RawMessage `json:"amount"`
	Code    any             `json:"code"`
	Message string          `json:"message"`
}

// CreateRefund refunds part or all of the order req.OperationKey.
func (c *Client) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	if req.OperationKey == "" {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "refund", Err: errors.New("order id is required")}
	}
	in := refundRequest{Amount: c.money(req.Amount)}
	for _, it := range req.Items {
		in.Items = append(in.Items, orderItem{Name: it.Name, Quantity: 1, Amount: c.money(it.Price)})
	}
	code, body, err := c.call(ctx, http.MethodPost, "/orders/"+url.PathEscape(req.OperationKey)+"/refunds", "refund", in)
	if err != nil {
		return nil, err
	}

	res := parseRefund(body)
	if !gateway.IsSuccess(code) {
		res.Success = false
		if res.Reason == gateway.ReasonUnknown && (code == http.StatusForbidden || code == http.StatusUnauthorized) {
			res.Reason = gateway.ReasonAccessDenied
		}
		if res.Reason == gateway.ReasonUnknown && code == http.StatusNotFound {
			res.Reason = gateway.ReasonOperationNotFound
		}
		return res, &gateway.Error{Gateway: gateway.KindBearer, Op: "refund", StatusCode: code, Body: string(body)}
	}
	return res, nil
}

func parseRefund(body []byte) *gateway.RefundResult {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &gateway.RefundResult{Reason: gateway.ReasonUnknown, Message: "empty response"}
	}
	var out refundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return &gateway.RefundResult{Reason: gateway.ClassifyRefundCode(string(body)), Message: "unreadable response"}
	}
	if out.ID != "" && mapRefundStatus(out.Status) != gateway.StatusFailed {
		return &gateway.RefundResult{Success: true, RequestID: out.ID}
	}
	res := &gateway.RefundResult{RequestID: out.ID, Message: out.Message, Reason: gateway.ClassifyRefundCode(out.Code)}
	if out.Code != nil {
		res.Code = strings.Trim(string(mustJSON(out.Code)), `"`)
	}
	if res.Reason == gateway.ReasonUnknown {
		res.Reason = gateway.ClassifyRefundCode(out.Message)
	}
	return res
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func mapRefundStatus(s string) gateway.Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEEDED", "COMPLETED", "REFUNDED":
		return gateway.StatusSuccess
	case "PENDING", "PROCESSING", "CREATED", "":
		return gateway.StatusPending
	}
	return gateway.StatusFailed
}

// RefundState polls a refund by id.
func (c *Client) RefundState(ctx context.Context, requestID string) (*gateway.RefundState, error) {
	code, body, err := c.call(ctx, http.MethodGet, "/refunds/"+url.PathEscape(requestID), "refund-state", nil)
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "refund-state", StatusCode: code, Body: string(body)}
	}
	var out refundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "refund-state", Body: string(body), Err: err}
	}
	state := mapRefundStatus(out.Status)
	if out.Status == "" {
		state = gateway.StatusFailed
	}
	return &gateway.RefundState{RequestID: requestID, State: state, RawState: out.Status, Amount: parseMoney(out.Amount)}, nil
}

