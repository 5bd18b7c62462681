package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/railhook/internal/webhook/domain"
)

// Scheme names a verification routine.
type Scheme string

const (
	SchemeNone       Scheme = ""
	SchemeStripe     Scheme = "stripe"
	SchemeQuickBooks Scheme = "quickbooks"
	SchemePlaid      Scheme = "plaid"
)

const (
	HeaderStripe     = "Stripe-Signature"
	HeaderQuickBooks = "intuit-signature"
	HeaderPlaid      = "Plaid-Verification"
)

// recognized is checked in order; the first present header wins.
var recognized = []struct {
	name   string
	scheme Scheme
}{
	{name: HeaderStripe, scheme: SchemeStripe},
	{name: HeaderQuickBooks, scheme: SchemeQuickBooks},
	{name: HeaderPlaid, scheme: SchemePlaid},
}

// Claimed is the signature header found on a request.
type Claimed struct {
	Header string
	Scheme Scheme
	Value  string
}

// Detect returns the first recognized signature header present in h.
func Detect(h http.Header) (Claimed, bool) {
	for _, candidate := range recognized {
		if value := strings.TrimSpace(h.Get(candidate.name)); value != "" {
			return Claimed{Header: candidate.name, Scheme: candidate.scheme, Value: value}, true
		}
	}
	return Claimed{}, false
}

// DetectFor prefers the header that belongs to source's routine and falls
// back to Detect, so a stray header from another provider cannot displace it.
func DetectFor(h http.Header, source domain.Source) (Claimed, bool) {
	if scheme := SchemeFor(source); scheme != SchemeNone {
		for _, candidate := range recognized {
			if candidate.scheme != scheme {
				continue
			}
			if value := strings.TrimSpace(h.Get(candidate.name)); value != "" {
				return Claimed{Header: candidate.name, Scheme: candidate.scheme, Value: value}, true
			}
		}
	}
	return Detect(h)
}

// SchemeFor returns the routine defined for a source, or SchemeNone when the
// source has no routine.
func SchemeFor(source domain.Source) Scheme {
	switch source {
	case domain.SourceStripe:
		return SchemeStripe
	case domain.SourceQuickBooks:
		return SchemeQuickBooks
	default:
		return SchemeNone
	}
}

// VerifyStripe checks a `t=...,v1=...` header against HMAC-SHA256 of
// "{t}.{body}" keyed by secret. Any parse failure is a mismatch.
func VerifyStripe(body []byte, header, secret string) bool {
	return VerifyStripeAt(body, header, secret, time.Time{}, 0)
}

// VerifyStripeAt is VerifyStripe with an optional replay window: when
// tolerance is positive, timestamps further than tolerance from now fail.
func VerifyStripeAt(body []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	if secret == "" {
		return false
	}
	timestamp, candidates, ok := parseStripeHeader(header)
	if !ok {
		return false
	}
	if tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		age := now.Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true
		}
	}
	return false
}

// VerifyQuickBooks checks a base64 HMAC-SHA256 of body keyed by the verifier token.
func VerifyQuickBooks(body []byte, header, token string) bool {
	if token == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimSpace(header)), []byte(expected))
}

func parseStripeHeader(header string) (string, []string, bool) {
	var timestamp string
	candidates := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			if value = strings.TrimSpace(value); value != "" {
				candidates = append(candidates, value)
			}
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return "", nil, false
	}
	return timestamp, candidates, true
}
