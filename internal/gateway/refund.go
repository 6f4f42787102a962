package gateway

import (
	"strconv"
	"strings"
)

// RefundReason is the classified cause of a rejected refund.
type RefundReason string

const (
	ReasonBadSignature      RefundReason = "bad_signature"
	ReasonInsufficientFunds RefundReason = "insufficient_funds"
	ReasonOperationNotFound RefundReason = "operation_not_found"
	ReasonAlreadyRefunded   RefundReason = "already_refunded"
	ReasonAmountExceeds     RefundReason = "amount_exceeds_original"
	ReasonAccessDenied      RefundReason = "access_denied"
	ReasonUnknown           RefundReason = "unknown"
)

var numericReasons = map[int]RefundReason{
	1: ReasonBadSignature,
	2: ReasonInsufficientFunds,
	3: ReasonOperationNotFound,
	4: ReasonAlreadyRefunded,
	5: ReasonAmountExceeds,
	6: ReasonAccessDenied,
}

// keyword order matters: "not found" must win over "operation".
var keywordReasons = []struct {
	words  []string
	reason RefundReason
}{
	{[]string{"signature"}, ReasonBadSignature},
	{[]string{"insufficient", "not enough", "funds"}, ReasonInsufficientFunds},
	{[]string{"not found", "notfound", "not_found", "unknown operation"}, ReasonOperationNotFound},
	{[]string{"already"}, ReasonAlreadyRefunded},
	{[]string{"exceed", "greater than", "too large"}, ReasonAmountExceeds},
	{[]string{"access", "denied", "forbidden", "unauthorized"}, ReasonAccessDenied},
}

// ClassifyRefundCode maps a numeric code, a numeric string or a text
// message to a RefundReason.
func ClassifyRefundCode(code any) RefundReason {
	switch v := code.(type) {
	case nil:
		return ReasonUnknown
	case int:
		return numericReason(v)
	case int64:
		return numericReason(int(v))
	case float64:
		return numericReason(int(v))
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "" {
			return ReasonUnknown
		}
		if n, err := strconv.Atoi(s); err == nil {
			return numericReason(n)
		}
		for _, k := range keywordReasons {
			for _, w := range k.words {
				if strings.Contains(s, w) {
					return k.reason
				}
			}
		}
	}
	return ReasonUnknown
}

func numericReason(n int) RefundReason {
	if r, ok := numericReasons[n]; ok {
		return r
	}
	return ReasonUnknown
}

// Describe returns a human readable explanation for a reason.
func (r RefundReason) Describe() string {
	switch r {
	case ReasonBadSignature:
		return "refund request signature was rejected"
	case ReasonInsufficientFunds:
		return "insufficient funds on the merchant balance"
	case ReasonOperationNotFound:
		return "payment operation not found"
	case ReasonAlreadyRefunded:
		return "payment has already been refunded"
	case ReasonAmountExceeds:
		return "refund amount exceeds the original payment"
	case ReasonAccessDenied:
		return "access to the refund API was denied"
	}
	return "refund failed for an unknown reason"
}
