// Package hmacgateway verifies and parses webhooks signed with a shared
// HMAC-SHA256 secret over the timestamp header and the raw body.
package hmacgateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
)

const (
	ProviderName    = "gateway"
	HeaderSignature = "X-Gateway-Signature"
	HeaderTimestamp = "X-Gateway-Timestamp"
)

type Factory struct {
	name string
}

// NewFactory registers the adapter under name, or "gateway" when empty.
func NewFactory(name string) *Factory {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = ProviderName
	}
	return &Factory{name: name}
}

func (f *Factory) Provider() string {
	return f.name
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.WebhookAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		provider:  f.name,
		secret:    []byte(secret),
		tolerance: cfg.Tolerance,
		now:       now,
	}, nil
}

type Adapter struct {
	provider  string
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(HeaderSignature))
	timestamp := strings.TrimSpace(headers.Get(HeaderTimestamp))
	if signature == "" || timestamp == "" {
		return paymentdomain.ErrInvalidSignature
	}

	expected := Sign(a.secret, timestamp, payload)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}

	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return paymentdomain.ErrInvalidSignature
		}
		skew := a.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.tolerance {
			return paymentdomain.ErrTimestampOutOfRange
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of timestamp followed by payload.
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type paymentEntity struct {
	OrderID   string            `json:"order_id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Method    string            `json:"method"`
	Notes     map[string]string `json:"notes"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Event = strings.ToLower(strings.TrimSpace(env.Event))
	if env.ID == "" || env.Event == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.Event{
		Provider:   a.provider,
		EventID:    env.ID,
		Type:       env.Event,
		OccurredAt: occurredAt(env.CreatedAt, a.now()),
		RawPayload: payload,
	}
	if !paymentdomain.IsPaymentSuccess(env.Event) {
		return event, nil
	}

	var entity paymentEntity
	if len(env.Payload) == 0 || json.Unmarshal(env.Payload, &entity) != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	billID, err := snowflake.ParseString(strings.TrimSpace(entity.Notes["bill_id"]))
	if err != nil || billID <= 0 {
		return nil, paymentdomain.ErrMissingCorrelation
	}
	orderID := strings.TrimSpace(entity.OrderID)
	if orderID == "" {
		return nil, paymentdomain.ErrMissingCorrelation
	}
	if entity.Amount <= 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event.BillID = billID
	event.GatewayOrderID = orderID
	event.GatewayPaymentID = strings.TrimSpace(entity.PaymentID)
	event.Amount = entity.Amount
	event.Method = strings.ToUpper(strings.TrimSpace(entity.Method))
	return event, nil
}

func occurredAt(unix int64, fallback time.Time) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return fallback.UTC()
}
