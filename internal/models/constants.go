package models

import "time"

const (
	// DefaultPaymentWindow is how long a pending reservation waits for payment.
	DefaultPaymentWindow = 2 * time.Minute

	// DefaultPollInterval is the period of the expiration probe.
	DefaultPollInterval = 10 * time.Second

	// DefaultIndexMaxAge is how long a fetched availability index is trusted.
	DefaultIndexMaxAge = time.Minute

	// DefaultNextAvailableHorizonDays bounds the next-free-day scan.
	DefaultNextAvailableHorizonDays = 365

	// DefaultReservationTTL is how long persisted reservations are kept.
	DefaultReservationTTL = 30 * 24 * time.Hour

	// DefaultSettledRetention is how long the engine keeps a settled
	// reservation in memory after its last transition.
	DefaultSettledRetention = 10 * time.Minute

	// DefaultCalendarDays is the calendar window returned when none is asked for.
	DefaultCalendarDays = 42

	// MaxCalendarDays caps calendar requests.
	MaxCalendarDays = 366

	// RateLimitRPS default requests per second per API key.
	RateLimitRPS = 10

	// RateLimitBurst default burst per API key.
	RateLimitBurst = 20
)
