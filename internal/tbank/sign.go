package tbank

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Token signing contract, applied identically to outbound requests and
// inbound notifications:
//
//  1. the covered set is every top-level field except Token itself;
//  2. structured sub-objects enter as their canonical JSON serialization;
//  3. keys are sorted lexicographically and the *values* concatenated;
//  4. the terminal password is appended at the end;
//  5. SHA-256, lowercase hex.
//
// The password never leaves the process; only the digest does.

// Errors reported by notification verification.
var (
	ErrMalformedNotification = errors.New("tbank: malformed notification")
	ErrSignatureMismatch     = errors.New("tbank: signature mismatch")
)

// Token derives the digest over the covered fields plus the terminal password.
func Token(fields map[string]string, password string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fields[k])
	}
	b.WriteString(password)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a provided token against a fresh recomputation in
// constant time.
func VerifyToken(fields map[string]string, password, provided string) bool {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return false
	}
	expected := Token(fields, password)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Notification is an inbound provider callback after structural validation.
// Raw preserves every delivered field so the token can be recomputed over the
// notification's own values rather than any merchant-side state.
type Notification struct {
	TerminalKey string
	OrderID     string
	PaymentID   string
	Amount      int64
	Status      string
	Success     bool
	Token       string
	Raw         map[string]any
}

// ParseNotification decodes and structurally validates a webhook body.
// Numbers are kept as json.Number so signed values survive round-tripping
// without float formatting drift.
func ParseNotification(body []byte) (Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	n := Notification{Raw: raw}
	n.TerminalKey, _ = raw["TerminalKey"].(string)
	n.OrderID, _ = raw["OrderId"].(string)
	n.Status, _ = raw["Status"].(string)
	n.Success, _ = raw["Success"].(bool)
	n.Token, _ = raw["Token"].(string)
	n.PaymentID = stringValue(raw["PaymentId"])
	if amount, ok := raw["Amount"].(json.Number); ok {
		n.Amount, _ = amount.Int64()
	}
	switch {
	case n.OrderID == "":
		return Notification{}, fmt.Errorf("%w: missing OrderId", ErrMalformedNotification)
	case n.PaymentID == "":
		return Notification{}, fmt.Errorf("%w: missing PaymentId", ErrMalformedNotification)
	case n.Status == "":
		return Notification{}, fmt.Errorf("%w: missing Status", ErrMalformedNotification)
	case n.Amount <= 0:
		return Notification{}, fmt.Errorf("%w: missing Amount", ErrMalformedNotification)
	}
	return n, nil
}

// SignedFields projects the notification onto the covered field set.
func (n Notification) SignedFields() map[string]string {
	fields := make(map[string]string, len(n.Raw))
	for key, value := range n.Raw {
		if key == "Token" {
			continue
		}
		canonical, ok := canonicalValue(value)
		if !ok {
			continue
		}
		fields[key] = canonical
	}
	return fields
}

// VerifyNotification recomputes the expected token over the notification's
// own fields. A notification without a token is rejected outright.
func VerifyNotification(n Notification, password string) error {
	if strings.TrimSpace(n.Token) == "" {
		return fmt.Errorf("%w: token missing", ErrSignatureMismatch)
	}
	if !VerifyToken(n.SignedFields(), password, n.Token) {
		return ErrSignatureMismatch
	}
	return nil
}

// canonicalValue coerces a decoded JSON value into the provider's documented
// literal form. Nulls are excluded from the covered set.
func canonicalValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	default:
		// nested object or array: canonical JSON (map keys sorted by encoding/json)
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
