package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTripAllAlgorithms(t *testing.T) {
	payload := map[string]any{
		"MerchantLogin": "shop",
		"OutSum":        "1500.00",
		"InvoiceItems":  []any{map[string]any{"Name": "Hip-hop", "Cost": "1500.00"}},
	}
	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			tok, err := EncodeToken(alg, "s3cret", map[string]any{"typ": "JWT"}, payload)
			require.NoError(t, err)
			assert.Equal(t, 2, strings.Count(tok, "."))

			decoded, err := DecodeToken(tok, "s3cret")
			require.NoError(t, err)
			assert.Equal(t, alg, decoded.Algorithm)
			assert.Equal(t, "JWT", decoded.Header["typ"])
			assert.Equal(t, string(alg), decoded.Header["alg"])

			want, _ := json.Marshal(payload)
			assert.JSONEq(t, string(want), decoded.PayloadJSON())
			assert.True(t, VerifyToken(tok, "s3cret"))
		})
	}
}

func TestDecodeTokenRejectsWrongSegmentCount(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d"} {
		_, err := DecodeToken(tok, "k")
		assert.ErrorIs(t, err, ErrMalformedToken, tok)
		assert.False(t, VerifyToken(tok, "k"))
	}
}

func TestDecodeTokenRejectsTampering(t *testing.T) {
	tok, err := EncodeToken(SHA256, "k", nil, map[string]any{"OutSum": "10.00"})
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"OutSum":"1.00"}`))
	tampered := parts[0] + "." + forged + "." + parts[2]

	_, err = DecodeToken(tampered, "k")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.False(t, VerifyToken(tampered, "k"))

	_, err = DecodeToken(tok, "other-key")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestDecodeTokenGarbageNeverPanics(t *testing.T) {
	for _, tok := range []string{"..", "!!.??.##", "e30.e30.", "bm90anNvbg.e30.AAAA"} {
		assert.NotPanics(t, func() { VerifyToken(tok, "k") })
		assert.False(t, VerifyToken(tok, "k"), tok)
	}
}

func TestDecodeTokenAcceptsPaddedSegments(t *testing.T) {
	enc := base64.URLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"SHA256","typ":"JWT"}`))
	payload := enc.EncodeToString([]byte(`{"a":"b"}`))
	signing := header + "." + payload
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte(signing))
	tok := signing + "." + enc.EncodeToString(mac.Sum(nil))
	require.Contains(t, tok, "=")

	decoded, err := DecodeToken(tok, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", decoded.Payload["a"])
}
