// Package signing implements the keyed digests and compact signed tokens
// exchanged with the payment gateways.  Every gateway signature is a hash
// over a colon-joined list of fields; the hash algorithm is configurable
// per merchant account.
package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/ripemd160"
)

// Algorithm names a supported hash function.
type Algorithm string

const (
	MD5       Algorithm = "MD5"
	RIPEMD160 Algorithm = "RIPEMD160"
	SHA1      Algorithm = "SHA1"
	SHA256    Algorithm = "SHA256"
	SHA384    Algorithm = "SHA384"
	SHA512    Algorithm = "SHA512"
)

// Algorithms lists every supported algorithm in a stable order.
var Algorithms = []Algorithm{MD5, RIPEMD160, SHA1, SHA256, SHA384, SHA512}

// ParseAlgorithm converts a configuration value such as "sha256" or
// "SHA-256" into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	for _, a := range Algorithms {
		if string(a) == norm {
			return a, nil
		}
	}
	return "", fmt.Errorf("signing: unsupported algorithm %q", s)
}

func (a Algorithm) newHash() func() hash.Hash {
	switch a {
	case MD5:
		return md5.New
	case RIPEMD160:
		return ripemd160.New
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA384:
		return sha512.New384
	case SHA512:
		return sha512.New
	}
	return nil
}

// Digest joins fields with ':' and returns the lowercase hex hash.  An
// unknown algorithm falls back to MD5, the gateways' default.
func Digest(alg Algorithm, fields ...string) string {
	h := alg.newHash()
	if h == nil {
		h = md5.New
	}
	sum := h()
	sum.Write([]byte(strings.Join(fields, ":")))
	return hex.EncodeToString(sum.Sum(nil))
}

// HMAC returns the lowercase hex keyed MAC of the colon-joined fields.
func HMAC(alg Algorithm, key string, fields ...string) string {
	h := alg.newHash()
	if h == nil {
		h = sha256.New
	}
	mac := hmac.New(h, []byte(key))
	mac.Write([]byte(strings.Join(fields, ":")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hex signatures ignoring case in constant time.
func Equal(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// FormatAmount renders money the way the gateways sign it: two decimals.
func FormatAmount(d decimal.Decimal) string { return d.StringFixed(2) }

// CustomFields renders merchant-defined pass-through fields as sorted
// "key=value" entries, which is the order the gateways sign them in.
func CustomFields(custom map[string]string) []string {
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+custom[k])
	}
	return out
}

// CheckoutParams carries the inputs of an outbound checkout signature.
type CheckoutParams struct {
	Merchant      string
	Amount        decimal.Decimal
	InvoiceNumber string
	Receipt       string // optional fiscal receipt JSON
	Secret        string
	Custom        map[string]string
}

// CheckoutSignature signs merchant, amount, invoice number, the optional
// receipt, the first secret and the sorted custom fields, in that order.
func CheckoutSignature(alg Algorithm, p CheckoutParams) string {
	fields := []string{p.Merchant, FormatAmount(p.Amount), p.InvoiceNumber}
	if p.Receipt != "" {
		fields = append(fields, p.Receipt)
	}
	fields = append(fields, p.Secret)
	fields = append(fields, CustomFields(p.Custom)...)
	return Digest(alg, fields...)
}

// ResultSignature is the inbound notification signature.  amount is used
// verbatim as received because the gateway signs its own formatting.
func ResultSignature(alg Algorithm, amount, invoiceNumber, secret string, custom map[string]string) string {
	fields := append([]string{amount, invoiceNumber, secret}, CustomFields(custom)...)
	return Digest(alg, fields...)
}

// RefundSignature signs a refund request without line items.
func RefundSignature(alg Algorithm, merchant, opKey string, amount decimal.Decimal, secret string) string {
	return Digest(alg, merchant, opKey, FormatAmount(amount), secret)
}

// StatusSignature signs an operation-state query.
func StatusSignature(alg Algorithm, merchant, invoiceNumber, secret string) string {
	return Digest(alg, merchant, invoiceNumber, secret)
}
