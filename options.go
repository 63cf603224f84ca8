package rpcmux

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// defaultMaxSlots matches the "typical 256" vendor default spec.md §6
// calls out.
const defaultMaxSlots = 256

// defaultSubscriptionChannelCapacity bounds how many undelivered
// notifications a slow subscriber can accumulate before the oldest is
// dropped (spec.md §5 "Backpressure").
const defaultSubscriptionChannelCapacity = 64

// ClientOptions configures a Client, covering spec.md §6's
// "Configuration options recognized".
type ClientOptions struct {
	MaxConcurrentRequests       uint32        `mapstructure:"max_concurrent_requests" validate:"omitempty,min=1"`
	RequestTimeout              time.Duration `mapstructure:"request_timeout" validate:"omitempty,min=0"`
	SubscriptionChannelCapacity uint32        `mapstructure:"subscription_channel_capacity" validate:"omitempty,min=1"`
	ConnectTimeout              time.Duration `mapstructure:"connect_timeout" validate:"omitempty,min=0"`
	MaxRequestBodySize          uint32        `mapstructure:"max_request_body_size" validate:"omitempty,min=1"`

	// Logger receives structured diagnostics; nil means discard (see
	// SPEC_FULL.md §2 "Logging").
	Logger Logger
}

var optionsValidator = validator.New()

// withDefaults fills unset fields and validates the result.
func (o ClientOptions) withDefaults() (ClientOptions, error) {
	if o.MaxConcurrentRequests == 0 {
		o.MaxConcurrentRequests = defaultMaxSlots
	}
	if o.SubscriptionChannelCapacity == 0 {
		o.SubscriptionChannelCapacity = defaultSubscriptionChannelCapacity
	}
	if err := optionsValidator.Struct(o); err != nil {
		return o, wrapErr(KindInternal, "invalid client options", err)
	}
	return o, nil
}
