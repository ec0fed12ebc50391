package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("start trial: %w", TrialAlreadyUsed())

	if !errors.Is(err, ErrTrialAlreadyUsed) {
		t.Fatal("expected wrapped error to match ErrTrialAlreadyUsed")
	}
	if errors.Is(err, ErrAlreadySubscribed) {
		t.Fatal("did not expect match with ErrAlreadySubscribed")
	}
}

func TestAppError_ErrorIncludesInternal(t *testing.T) {
	cause := errors.New("connection refused")
	err := GatewayUnavailable("nl-1", cause)

	if got := err.Error(); got != "panel nl-1 is unavailable: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestProvisioningFailed_Details(t *testing.T) {
	failures := []ServerFailure{
		{ServerID: 1, ServerName: "de-1", Reason: "timeout"},
		{ServerID: 2, ServerName: "fi-1", Reason: "auth"},
	}
	err := ProvisioningFailed(failures)

	if err.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", err.StatusCode)
	}
	got, ok := err.Details.([]ServerFailure)
	if !ok || len(got) != 2 {
		t.Fatalf("Details = %#v", err.Details)
	}
}

func TestHasCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"direct", PromoExpired("X"), ErrCodePromoExpired, true},
		{"wrapped", fmt.Errorf("validate: %w", PromoExhausted("X")), ErrCodePromoExhausted, true},
		{"other code", PromoExpired("X"), ErrCodePromoNotFound, false},
		{"plain error", errors.New("boom"), ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasCode(tt.err, tt.code); got != tt.want {
				t.Errorf("HasCode() = %v, want %v", got, tt.want)
			}
		})
	}
}
