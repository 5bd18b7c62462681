package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const maxAttributeLength = 256

// Attribute keys that must never reach a span: signature material and payloads.
var forbiddenAttributeKeys = map[attribute.Key]struct{}{
	"http.request.body":   {},
	"webhook.payload":     {},
	"webhook.signature":   {},
	"webhook.secret":      {},
	"stripe-signature":    {},
	"intuit-signature":    {},
	"plaid-verification":  {},
	"http.request.header": {},
}

// ExtractContext pulls the remote span context from carrier headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops forbidden keys and truncates long string values.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, forbidden := forbiddenAttributeKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; forbidden {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			value := attr.Value.AsString()
			if len(value) > maxAttributeLength {
				attr = attribute.String(string(attr.Key), value[:maxAttributeLength])
			}
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message is bounded in length, so provider
// payload fragments embedded in driver errors do not end up in traces.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxAttributeLength {
		msg = msg[:maxAttributeLength]
	}
	return errors.New(msg)
}
