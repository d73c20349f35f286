// Package webpush is the delivery primitive: it sends one encrypted payload to
// one push endpoint and reports success or a classified failure.
package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	webpushlib "github.com/SherClockHolmes/webpush-go"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

const defaultTimeout = 30 * time.Second

var (
	ErrNotConfigured       = errors.New("webpush: vapid keys not configured")
	ErrInvalidSubscription = errors.New("webpush: invalid subscription")
)

// StatusError is a non-2xx answer from the push service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("push service returned %d", e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

type Client struct {
	keys       VAPIDKeys
	subscriber string
	httpClient *http.Client
}

func NewClient(keys VAPIDKeys, subscriber string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		keys:       keys,
		subscriber: subscriber,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether both VAPID keys are present.
func (c *Client) Configured() bool {
	return c.keys.Public != "" && c.keys.Private != ""
}

func (c *Client) PublicKey() string { return c.keys.Public }

// Send encrypts payload for dest and posts it to the push service. A nil
// error means the service accepted the message.
func (c *Client) Send(ctx context.Context, dest model.Destination, payload []byte, opts model.DeliveryOptions) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	sub := &webpushlib.Subscription{
		Endpoint: dest.Endpoint,
		Keys: webpushlib.Keys{
			P256dh: dest.Keys.P256dh,
			Auth:   dest.Keys.Auth,
		},
	}

	resp, err := webpushlib.SendNotificationWithContext(ctx, payload, sub, &webpushlib.Options{
		HTTPClient:      c.httpClient,
		Subscriber:      c.subscriber,
		VAPIDPublicKey:  c.keys.Public,
		VAPIDPrivateKey: c.keys.Private,
		TTL:             opts.TTL,
		Urgency:         webpushlib.Urgency(opts.Urgency),
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("send push: %w", err)
		}
		// Anything else failed before the request left: bad keys or endpoint.
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
