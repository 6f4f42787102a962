package redirect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// CreateRefund returns money for the operation req.OperationKey.  Without
// line items the simple signed form is posted; with items the request is a
// compact token signed with Password3.
//
// The result is always classified, even when the gateway answers with an
// HTTP error, an empty body or plain text.  An HTTP error additionally
// yields a *gateway.Error.
func (c *Client) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	if req.OperationKey == "" {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund", Err: errors.New("operation key is required")}
	}
	if c.cfg.Password3 == "" {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund", Err: errors.New("refund password is not configured")}
	}

	var (
		body []byte
		err  error
	)
	if len(req.Items) == 0 {
		body, err = c.postRefundForm(ctx, req)
	} else {
		body, err = c.postRefundToken(ctx, req)
	}
	var gwErr *gateway.Error
	if err != nil {
		if !errors.As(err, &gwErr) || gwErr.StatusCode == 0 {
			return nil, err
		}
		res := parseRefundResponse([]byte(gwErr.Body))
		if res.Reason == gateway.ReasonUnknown {
			res.Reason = reasonForStatus(gwErr.StatusCode)
		}
		res.Success = false
		return res, err
	}
	return parseRefundResponse(body), nil
}

func (c *Client) postRefundForm(ctx context.Context, req gateway.RefundRequest) ([]byte, error) {
	form := url.Values{}
	form.Set("MerchantLogin", c.cfg.MerchantLogin)
	form.Set("OpKey", req.OperationKey)
	form.Set("RefundSum", signing.FormatAmount(req.Amount))
	form.Set("Signature", signing.RefundSignature(c.cfg.Algorithm, c.cfg.MerchantLogin, req.OperationKey, req.Amount, c.cfg.Password3))

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RefundURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund", Err: err}
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Accept", "application/json")
	code, body, err := c.send(r, "refund")
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund", StatusCode: code, Body: string(body)}
	}
	return body, nil
}

func (c *Client) postRefundToken(ctx context.Context, req gateway.RefundRequest) ([]byte, error) {
	items := make([]map[string]any, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, map[string]any{
			"Name":          it.Name,
			"Quantity":      1,
			"Cost":          json.Number(signing.FormatAmount(it.Price)),
			"Tax":           "none",
			"PaymentMethod": "full_payment",
			"PaymentObject": "service",
		})
	}
	payload := map[string]any{
		"OpKey":        req.OperationKey,
		"RefundSum":    json.Number(signing.FormatAmount(req.Amount)),
		"InvoiceItems": items,
	}
	token, err := signing.EncodeToken(c.cfg.Algorithm, c.cfg.Password3, map[string]any{"typ": "JWT"}, payload)
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund", Err: err}
	}
	return c.postToken(ctx, c.cfg.RefundURL, "refund", token)
}

// parseRefundResponse tolerates empty, non-JSON and partially filled
// answers.
func parseRefundResponse(body []byte) *gateway.RefundResult {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &gateway.RefundResult{Reason: gateway.ReasonUnknown, Message: "empty response"}
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		text := string(trimmed)
		if len(text) > 200 {
			text = text[:200]
		}
		return &gateway.RefundResult{Reason: gateway.ClassifyRefundCode(text), Message: text}
	}

	res := &gateway.RefundResult{
		Success:   truthy(raw["success"]) || truthy(raw["isSuccess"]),
		RequestID: stringOf(raw["requestId"]),
		Message:   stringOf(firstPresent(raw, "message", "errorMessage", "error")),
	}
	if res.Success {
		return res
	}
	code := firstPresent(raw, "code", "errorCode")
	res.Code = stringOf(code)
	res.Reason = gateway.ClassifyRefundCode(code)
	if res.Reason == gateway.ReasonUnknown {
		res.Reason = gateway.ClassifyRefundCode(res.Message)
	}
	if res.Message == "" {
		res.Message = res.Reason.Describe()
	}
	return res
}

func reasonForStatus(code int) gateway.RefundReason {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gateway.ReasonAccessDenied
	case http.StatusNotFound:
		return gateway.ReasonOperationNotFound
	}
	return gateway.ReasonUnknown
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%g", s)
	}
	return fmt.Sprint(v)
}
