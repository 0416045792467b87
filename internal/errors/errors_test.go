package errors

import (
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable exchange error", NewExchangeError("get_ticker", "BTC", true, ErrTimeout), true},
		{"permanent exchange error", NewExchangeError("place_order", "BTC", false, ErrOrderRejected), false},
		{"wrapped timeout", fmt.Errorf("ticker: %w", ErrTimeout), true},
		{"rate limited", ErrRateLimited, true},
		{"config error", ErrConfigInvalid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationErrorUnwrapsToConfigInvalid(t *testing.T) {
	err := Wrap(NewValidationError("grid.grid_count", 1, "must be at least 2"), "validating config")
	if !Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid in chain, got %v", err)
	}

	var ve *ValidationError
	if !As(err, &ve) || ve.Field != "grid.grid_count" {
		t.Errorf("expected ValidationError for grid.grid_count, got %v", ve)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
