package model

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // IANA zones sent by browsers must resolve on minimal images

	"github.com/go-playground/validator/v10"
)

var ErrInvalidDestination = errors.New("invalid destination")

var validate = validator.New()

type Keys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// Destination is a registered push target. Two records with the same
// Endpoint are the same destination.
type Destination struct {
	Endpoint       string    `json:"endpoint" validate:"required,url"`
	ExpirationTime *int64    `json:"expirationTime"`
	Keys           Keys      `json:"keys"`
	Timezone       string    `json:"timezone,omitempty" validate:"omitempty,timezone"`
	TimezoneOffset *int      `json:"timezoneOffset,omitempty" validate:"omitempty,min=-840,max=840"` // Date.getTimezoneOffset(), minutes
	FailCount      int       `json:"failCount,omitempty" validate:"min=0"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// Validate rejects records missing the endpoint or either credential.
func (d Destination) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	return nil
}

// Location returns the destination's own clock, or nil when the client
// supplied no timezone metadata.
func (d Destination) Location() *time.Location {
	if d.Timezone != "" {
		if loc, err := time.LoadLocation(d.Timezone); err == nil {
			return loc
		}
	}
	if d.TimezoneOffset != nil {
		// getTimezoneOffset is UTC minus local, so UTC+8 arrives as -480.
		east := -*d.TimezoneOffset * 60
		return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", east/3600, abs(east%3600)/60), east)
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the registry lock.
func (d Destination) Clone() Destination {
	c := d
	if d.ExpirationTime != nil {
		v := *d.ExpirationTime
		c.ExpirationTime = &v
	}
	if d.TimezoneOffset != nil {
		v := *d.TimezoneOffset
		c.TimezoneOffset = &v
	}
	return c
}

// ShortEndpoint trims the endpoint for log lines.
func (d Destination) ShortEndpoint() string {
	if len(d.Endpoint) > 60 {
		return d.Endpoint[:60] + "..."
	}
	return d.Endpoint
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
