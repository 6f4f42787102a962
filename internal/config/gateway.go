package config

import (
	"time"

	"github.com/iliyamo/workshop-billing/internal/gateway/bearer"
	"github.com/iliyamo/workshop-billing/internal/gateway/redirect"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// GatewayConfig holds both adapters.  An adapter whose credentials are not
// set is left nil and not registered.
type GatewayConfig struct {
	Redirect *redirect.Config
	Bearer   *bearer.Config
}

// LoadGatewayConfig reads the REDIRECT_* and BEARER_* variables.  The
// redirect adapter is configured when REDIRECT_MERCHANT_LOGIN is set and
// the bearer adapter when BEARER_CLIENT_ID is set.  Redirect endpoint
// URLs fall back to the provider's public defaults; the bearer ones must
// be given.  GATEWAY_TIMEOUT bounds every outbound call for both.  An unknown hash algorithm name is an
// error.
func LoadGatewayConfig() (GatewayConfig, error) {
	var out GatewayConfig
	timeout := envDur("GATEWAY_TIMEOUT", 15*time.Second)

	if login := envStr("REDIRECT_MERCHANT_LOGIN", ""); login != "" {
		alg, err := signing.ParseAlgorithm(envStr("REDIRECT_HASH_ALGORITHM", "MD5"))
		if err != nil {
			return out, err
		}
		out.Redirect = &redirect.Config{
			MerchantLogin:  login,
			Password1:      envStr("REDIRECT_PASSWORD1", ""),
			Password2:      envStr("REDIRECT_PASSWORD2", ""),
			Password3:      envStr("REDIRECT_PASSWORD3", ""),
			Algorithm:      alg,
			CheckoutURL:    envStr("REDIRECT_CHECKOUT_URL", redirect.DefaultCheckoutURL),
			InvoiceAPIURL:  envStr("REDIRECT_INVOICE_API_URL", redirect.DefaultInvoiceAPIURL),
			StatusURL:      envStr("REDIRECT_STATUS_URL", redirect.DefaultStatusURL),
			RefundURL:      envStr("REDIRECT_REFUND_URL", redirect.DefaultRefundURL),
			RefundStateURL: envStr("REDIRECT_REFUND_STATE_URL", redirect.DefaultRefundStateURL),
			Culture:        envStr("REDIRECT_CULTURE", "ru"),
			Description:    envStr("REDIRECT_DESCRIPTION", ""),
			IsTest:         envBool("REDIRECT_IS_TEST", false),
			Timeout:        timeout,
		}
	}

	if id := envStr("BEARER_CLIENT_ID", ""); id != "" {
		alg, err := signing.ParseAlgorithm(envStr("BEARER_WEBHOOK_ALGORITHM", "SHA256"))
		if err != nil {
			return out, err
		}
		out.Bearer = &bearer.Config{
			ClientID:        id,
			ClientSecret:    envStr("BEARER_CLIENT_SECRET", ""),
			TokenURL:        envStr("BEARER_TOKEN_URL", ""),
			APIBaseURL:      envStr("BEARER_API_URL", ""),
			CheckoutBaseURL: envStr("BEARER_CHECKOUT_URL", ""),
			WebhookSecret:   envStr("BEARER_WEBHOOK_SECRET", ""),
			Algorithm:       alg,
			Currency:        envStr("BEARER_CURRENCY", "RUB"),
			ReturnURL:       envStr("BEARER_RETURN_URL", ""),
			Timeout:         timeout,
			TokenMargin:     envDur("BEARER_TOKEN_MARGIN", time.Minute),
		}
	}
	return out, nil
}
