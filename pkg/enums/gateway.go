package enums

import (
	"fmt"
	"strings"
)

// Gateway identifies a payment provider; it is the {provider} path segment
// of the webhook endpoint.
type Gateway string

const (
	GatewayStripe      Gateway = "stripe"
	GatewaySquare      Gateway = "square"
	GatewayMercadoPago Gateway = "mercadopago"
)

var validGateways = []Gateway{
	GatewayStripe,
	GatewaySquare,
	GatewayMercadoPago,
}

func (g Gateway) String() string {
	return string(g)
}

func (g Gateway) IsValid() bool {
	for _, candidate := range validGateways {
		if candidate == g {
			return true
		}
	}
	return false
}

// ParseGateway normalizes case and whitespace before matching.
func ParseGateway(value string) (Gateway, error) {
	normalized := Gateway(strings.ToLower(strings.TrimSpace(value)))
	if normalized.IsValid() {
		return normalized, nil
	}
	return "", fmt.Errorf("invalid gateway %q", value)
}
