package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHasCode(t *testing.T) {
	base := New(ErrCodeInsufficientCapital, "not enough")

	if !HasCode(base, ErrCodeInsufficientCapital) {
		t.Error("direct code not detected")
	}
	if HasCode(base, ErrCodeTimeout) {
		t.Error("wrong code matched")
	}

	// codes survive wrapping, both ours and fmt's
	wrapped := Wrap(base, ErrCodePersistence, "save failed")
	if !HasCode(wrapped, ErrCodePersistence) {
		t.Error("outer code not detected")
	}
	if !HasCode(wrapped, ErrCodeInsufficientCapital) {
		t.Error("inner code lost through Wrap")
	}

	fmtWrapped := fmt.Errorf("context: %w", base)
	if !HasCode(fmtWrapped, ErrCodeInsufficientCapital) {
		t.Error("code lost through fmt.Errorf %%w")
	}

	if HasCode(nil, ErrCodeInternal) {
		t.Error("nil error has no code")
	}
	if HasCode(errors.New("plain"), ErrCodeInternal) {
		t.Error("plain error has no code")
	}
}

func TestIsTransient(t *testing.T) {
	transient := []*AppError{
		New(ErrCodeTimeout, "slow"),
		New(ErrCodeRateLimit, "throttled"),
		New(ErrCodeMarketDataUnavailable, "down"),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("%s should be transient", err.Code)
		}
	}

	if IsTransient(New(ErrCodeInvalidInput, "bad")) {
		t.Error("invalid input is not transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestErrorFormatting(t *testing.T) {
	base := errors.New("disk full")
	err := Wrapf(base, ErrCodePersistence, "saving %s", "ledger")

	if !errors.Is(err, base) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty error message")
	}
}
