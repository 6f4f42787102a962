package signing

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when a token does not have exactly
	// three dot-separated segments or a segment cannot be decoded.
	ErrMalformedToken = errors.New("signing: malformed token")
	// ErrSignatureMismatch is returned when the recomputed signature does
	// not match the one carried by the token.
	ErrSignatureMismatch = errors.New("signing: signature mismatch")
)

// keyedMethod is a jwt.SigningMethod computing an HMAC with one of the
// gateway algorithms.  The gateways put the bare algorithm name ("MD5",
// "SHA256", ...) into the token header, so these are registered under
// exactly those names.
type keyedMethod struct{ alg Algorithm }

func (m *keyedMethod) Alg() string { return string(m.alg) }

func (m *keyedMethod) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.([]byte)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	mac := hmac.New(m.alg.newHash(), k)
	mac.Write([]byte(signingString))
	return mac.Sum(nil), nil
}

func (m *keyedMethod) Verify(signingString string, sig []byte, key any) error {
	expected, err := m.Sign(signingString, key)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

var methods = map[Algorithm]*keyedMethod{}

func init() {
	for _, a := range Algorithms {
		m := &keyedMethod{alg: a}
		methods[a] = m
		jwt.RegisterSigningMethod(string(a), func() jwt.SigningMethod { return m })
	}
}

// Token is a decoded compact token.
type Token struct {
	Algorithm Algorithm
	Header    map[string]any
	Payload   map[string]any
}

// EncodeToken serialises header and payload as base64url JSON segments and
// appends the keyed signature.  The "alg" header is always set from alg.
func EncodeToken(alg Algorithm, secret string, header, payload map[string]any) (string, error) {
	m, ok := methods[alg]
	if !ok {
		return "", errors.New("signing: unsupported algorithm " + string(alg))
	}
	t := jwt.NewWithClaims(m, jwt.MapClaims(payload))
	for k, v := range header {
		if k == "alg" {
			continue
		}
		t.Header[k] = v
	}
	return t.SignedString([]byte(secret))
}

// DecodeToken parses and verifies a compact token.  Segments may carry
// base64 padding or not.
func DecodeToken(token, secret string) (*Token, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformedToken
	}
	names := make([]string, 0, len(Algorithms))
	for _, a := range Algorithms {
		names = append(names, string(a))
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(names),
		jwt.WithPaddingAllowed(),
		jwt.WithJSONNumber(),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	t, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureMismatch
		default:
			return nil, errors.Join(ErrMalformedToken, err)
		}
	}
	return &Token{
		Algorithm: Algorithm(t.Method.Alg()),
		Header:    t.Header,
		Payload:   claims,
	}, nil
}

// VerifyToken reports whether token is well formed and signed with secret.
func VerifyToken(token, secret string) bool {
	_, err := DecodeToken(token, secret)
	return err == nil
}

// PayloadJSON re-encodes the decoded payload, mostly for logging and
// comparisons in tests.
func (t *Token) PayloadJSON() string {
	b, _ := json.Marshal(t.Payload)
	return string(b)
}
