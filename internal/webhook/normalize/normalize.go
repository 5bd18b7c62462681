package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
)

const UnknownEventType = "unknown"

// Identity is the canonical (event_type, event_id) of a payload.
type Identity struct {
	EventType string
	EventID   string
	// Synthesized is set when EventID was generated rather than read from the payload.
	Synthesized bool
}

// Normalizer maps provider payloads to an Identity. It never fails.
type Normalizer struct {
	clock clock.Clock
}

func New(clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Normalizer{clock: clk}
}

var escapedNUL = []byte(`\u0000`)

// Decode parses body for normalization. A body that is not JSON is kept as a
// JSON string of the raw text. JSON that a jsonb column would reject (invalid
// UTF-8 or an escaped NUL) is still decoded for its identity but stored as a
// JSON string of the cleaned text.
func Decode(body []byte) (any, json.RawMessage) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		text := domain.CleanText(string(body))
		return text, textPayload(text)
	}
	if !utf8.Valid(body) || bytes.Contains(body, escapedNUL) {
		return decoded, textPayload(domain.CleanText(string(body)))
	}
	return decoded, json.RawMessage(body)
}

func textPayload(text string) json.RawMessage {
	raw, _ := json.Marshal(text)
	return json.RawMessage(raw)
}

// Normalize returns the identity of payload for source. Both fields fit the
// store's column limits.
func (n *Normalizer) Normalize(source domain.Source, payload any) Identity {
	obj, _ := payload.(map[string]any)
	var id Identity
	switch source {
	case domain.SourceStripe:
		id = n.stripe(source, obj)
	case domain.SourceQuickBooks:
		id = n.quickbooks(source, obj)
	case domain.SourcePlaid:
		id = n.plaid(source, obj)
	default:
		id = n.generic(source, obj)
	}
	id.EventType = domain.FitText(id.EventType, domain.MaxEventTypeLength)
	id.EventID = domain.FitKey(id.EventID, domain.MaxEventIDLength)
	return id
}

func (n *Normalizer) stripe(source domain.Source, obj map[string]any) Identity {
	id := Identity{EventType: stringField(obj, "type"), EventID: stringField(obj, "id")}
	return n.complete(source, id)
}

// quickbooks builds a stable id from the first changed entity so provider
// redeliveries of the same change collapse onto one row.
func (n *Normalizer) quickbooks(source domain.Source, obj map[string]any) Identity {
	notification := firstObject(obj, "eventNotifications")
	realmID := stringField(notification, "realmId")
	entity := firstObject(objectField(notification, "dataChangeEvent"), "entities")

	id := Identity{EventType: stringField(entity, "name")}
	parts := []string{
		realmID,
		stringField(entity, "name"),
		stringField(entity, "id"),
		stringField(entity, "operation"),
		stringField(entity, "lastUpdated"),
	}
	if allPresent(parts) {
		id.EventID = strings.Join(parts, "_")
		return n.complete(source, id)
	}

	id = n.complete(source, id)
	if realmID != "" {
		id.EventID = realmID + "_" + id.EventID
	}
	return id
}

func (n *Normalizer) plaid(source domain.Source, obj map[string]any) Identity {
	id := Identity{EventType: stringField(obj, "webhook_type")}
	code := stringField(obj, "webhook_code")
	item := stringField(obj, "item_id")
	if code != "" && item != "" {
		id.EventID = code + "_" + item
	}
	return n.complete(source, id)
}

func (n *Normalizer) generic(source domain.Source, obj map[string]any) Identity {
	eventType := stringField(obj, "type")
	if eventType == "" {
		eventType = stringField(obj, "event")
	}
	id := Identity{EventType: eventType, EventID: stringField(obj, "id")}
	return n.complete(source, id)
}

func (n *Normalizer) complete(source domain.Source, id Identity) Identity {
	if id.EventType == "" {
		id.EventType = UnknownEventType
	}
	if id.EventID == "" {
		id.EventID = n.Synthesize(source)
		id.Synthesized = true
	}
	return id
}

// Synthesize returns "{source}_{ulid}" with the ulid time taken from the clock.
func (n *Normalizer) Synthesize(source domain.Source) string {
	now := n.clock.Now()
	return fmt.Sprintf("%s_%s", source, ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String())
}

func objectField(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	value, _ := obj[key].(map[string]any)
	return value
}

func firstObject(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	list, _ := obj[key].([]any)
	if len(list) == 0 {
		return nil
	}
	value, _ := list[0].(map[string]any)
	return value
}

// stringField reads a string or number field. Other types are treated as absent.
func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	switch value := obj[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

func allPresent(parts []string) bool {
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}
