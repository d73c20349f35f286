package model

import "encoding/json"

type Kind string

const (
	KindFixed   Kind = "fixed"
	KindFiller  Kind = "filler"
	KindWelcome Kind = "welcome"
	KindManual  Kind = "manual"
)

type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// DeliveryOptions are passed through to the push service untouched.
type DeliveryOptions struct {
	TTL     int     `json:"ttl"` // seconds
	Urgency Urgency `json:"urgency"`
}

// Message is an immutable notification value. Only Title and Body reach the
// service worker; Kind and Options steer scheduling and delivery.
type Message struct {
	Kind    Kind            `json:"kind"`
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Options DeliveryOptions `json:"options"`
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Payload returns the JSON document the service worker parses on a push event.
func (m Message) Payload() ([]byte, error) {
	return json.Marshal(payload{Title: m.Title, Body: m.Body})
}
