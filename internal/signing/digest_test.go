package signing

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestKnownVectors(t *testing.T) {
	tests := []struct {
		alg  Algorithm
		want string
	}{
		{MD5, "900150983cd24fb0d6963f7d28e17f72"},
		{SHA1, "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{SHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{RIPEMD160, "8eb208f7e05d987a9b044a8e98c6b087f15a0bfc"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			assert.Equal(t, tt.want, Digest(tt.alg, "abc"))
		})
	}
	assert.Len(t, Digest(SHA384, "abc"), 96)
	assert.Len(t, Digest(SHA512, "abc"), 128)
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{
		"md5": MD5, "SHA-256": SHA256, " ripemd160 ": RIPEMD160, "sha512": SHA512,
	} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseAlgorithm("crc32")
	assert.Error(t, err)
}

func TestCheckoutSignatureFieldOrder(t *testing.T) {
	p := CheckoutParams{
		Merchant:      "shop",
		Amount:        decimal.RequireFromString("500"),
		InvoiceNumber: "17",
		Secret:        "pass1",
		Custom:        map[string]string{"Shp_z": "2", "Shp_a": "1"},
	}
	sum := md5.Sum([]byte("shop:500.00:17:pass1:Shp_a=1:Shp_z=2"))
	assert.Equal(t, hex.EncodeToString(sum[:]), CheckoutSignature(MD5, p))

	p.Receipt = `{"items":[]}`
	sum = md5.Sum([]byte(`shop:500.00:17:{"items":[]}:pass1:Shp_a=1:Shp_z=2`))
	assert.Equal(t, hex.EncodeToString(sum[:]), CheckoutSignature(MD5, p))
}

func TestResultSignatureUsesAmountVerbatim(t *testing.T) {
	a := ResultSignature(SHA256, "500.000000", "17", "pass2", nil)
	b := ResultSignature(SHA256, "500.00", "17", "pass2", nil)
	assert.NotEqual(t, a, b)
	assert.Equal(t, Digest(SHA256, "500.000000", "17", "pass2"), a)
}

func TestEqualIsCaseInsensitive(t *testing.T) {
	assert.True(t, Equal("ABCDEF", "abcdef"))
	assert.False(t, Equal("abcdef", "abcdee"))
	assert.False(t, Equal("", ""))
}

func TestHMACDiffersFromDigest(t *testing.T) {
	assert.NotEqual(t, Digest(SHA256, "a", "b", "key"), HMAC(SHA256, "key", "a", "b"))
	assert.Equal(t, HMAC(SHA256, "key", "a", "b"), HMAC(SHA256, "key", "a", "b"))
}
