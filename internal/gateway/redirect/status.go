package redirect

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// opStateResponse mirrors the XML answer of the operation state endpoint.
// Element names match in any namespace.
type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code      int    `xml:"Code"`
		StateDate string `xml:"StateDate"`
	} `xml:"State"`
	Info struct {
		IncCurrLabel  string `xml:"IncCurrLabel"`
		IncSum        string `xml:"IncSum"`
		OutSum        string `xml:"OutSum"`
		OpKey         string `xml:"OpKey"`
		PaymentMethod struct {
			Code string `xml:"Code"`
		} `xml:"PaymentMethod"`
	} `xml:"Info"`
}

const resultInvoiceNotFound = 3

// mapOperationState translates the gateway's numeric states.  100 is a
// completed payment; 5, 50 and 80 are in progress; everything else,
// including states this code does not know, counts as failed.
func mapOperationState(code int) gateway.Status {
	switch code {
	case 100:
		return gateway.StatusSuccess
	case 5, 50, 80:
		return gateway.StatusPending
	}
	return gateway.StatusFailed
}

// CheckStatus polls the operation state of the invoice number reference.
func (c *Client) CheckStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	q := url.Values{}
	q.Set("MerchantLogin", c.cfg.MerchantLogin)
	q.Set("InvoiceID", reference)
	q.Set("Signature", signing.StatusSignature(c.cfg.Algorithm, c.cfg.MerchantLogin, reference, c.cfg.Password2))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StatusURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "status", Err: err}
	}
	code, body, err := c.send(req, "status")
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "status", StatusCode: code, Body: string(body)}
	}

	var resp opStateResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "status", Body: string(body), Err: fmt.Errorf("decode xml: %w", err)}
	}
	switch resp.Result.Code {
	case 0:
	case resultInvoiceNotFound:
		// nothing paid yet: the payer has not reached the hosted page
		return &gateway.StatusResult{Status: gateway.StatusPending, RawState: "not_found"}, nil
	default:
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "status", Body: string(body),
			Err: fmt.Errorf("result code %d: %s", resp.Result.Code, resp.Result.Description)}
	}

	out := &gateway.StatusResult{
		Status:        mapOperationState(resp.State.Code),
		RawState:      fmt.Sprint(resp.State.Code),
		OperationKey:  resp.Info.OpKey,
		PaymentMethod: resp.Info.PaymentMethod.Code,
	}
	if out.PaymentMethod == "" {
		out.PaymentMethod = resp.Info.IncCurrLabel
	}
	out.PaymentMethod = gateway.ReportedMethod(out.PaymentMethod)
	if amt, err := decimal.NewFromString(firstNonEmpty(resp.Info.OutSum, resp.Info.IncSum)); err == nil {
		out.Amount = amt
	}
	if out.Status == gateway.StatusSuccess {
		if ts, err := time.Parse(time.RFC3339, resp.State.StateDate); err == nil {
			out.PaidAt = &ts
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RefundState polls a previously created refund.
func (c *Client) RefundState(ctx context.Context, requestID string) (*gateway.RefundState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RefundStateURL+"?id="+url.QueryEscape(requestID), nil)
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund-state", Err: err}
	}
	code, body, err := c.send(req, "refund-state")
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund-state", StatusCode: code, Body: string(body)}
	}
	var out struct {
		RequestID string          `json:"requestId"`
		Amount    decimal.Decimal `json:"amount"`
		Label     string          `json:"label"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "refund-state", Body: string(body), Err: err}
	}
	st := &gateway.RefundState{RequestID: out.RequestID, RawState: out.Label, Amount: out.Amount}
	switch out.Label {
	case "finished":
		st.State = gateway.StatusSuccess
	case "processing":
		st.State = gateway.StatusPending
	default:
		st.State = gateway.StatusFailed
	}
	if st.RequestID == "" {
		st.RequestID = requestID
	}
	return st, nil
}
