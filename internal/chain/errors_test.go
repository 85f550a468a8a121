package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
)

func TestIsNonceConflict(t *testing.T) {
	if !IsNonceConflict(errors.New("nonce too low")) {
		t.Fatalf("nonce too low should classify as conflict")
	}
	if !IsNonceConflict(fmt.Errorf("send: %w", errors.New("Invalid nonce"))) {
		t.Fatalf("wrapped invalid nonce should classify as conflict")
	}
	if IsNonceConflict(errors.New("execution reverted")) {
		t.Fatalf("revert misclassified as nonce conflict")
	}
	if IsNonceConflict(nil) {
		t.Fatalf("nil error misclassified")
	}
}

func TestIsUnderpriced(t *testing.T) {
	if !IsUnderpriced(errors.New("replacement transaction underpriced")) {
		t.Fatalf("replacement underpriced not detected")
	}
	if IsUnderpriced(errors.New("insufficient funds")) {
		t.Fatalf("insufficient funds misclassified as underpriced")
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		errors.New("connection refused"),
		errors.New("read tcp: i/o timeout"),
		errors.New("429 Too Many Requests"),
		context.DeadlineExceeded,
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Fatalf("%v should be transient", err)
		}
	}

	permanent := []error{
		errors.New("execution reverted: STF"),
		errors.New("insufficient funds for gas * price + value"),
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Fatalf("%v should not be transient", err)
		}
	}
}

func TestIsRevert(t *testing.T) {
	if !IsRevert(errors.New("execution reverted: Too little received")) {
		t.Fatalf("revert not detected")
	}
	if IsRevert(errors.New("nonce too low")) {
		t.Fatalf("nonce conflict misclassified as revert")
	}
}

func TestBumpPrice(t *testing.T) {
	got := BumpPrice(big.NewInt(1000))
	if got.Int64() != 1200 {
		t.Fatalf("bumped price = %d, want 1200", got.Int64())
	}
}
