package pathvalidator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehrlich-b/nyx/internal/config"
)

func testConfig() config.PathProbeConfig {
	return config.PathProbeConfig{Timeout: 100 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
}

func TestValidateSucceedsOnMatchingResponse(t *testing.T) {
	var v *Validator
	v = New(func(pathID uint8, nonce [16]byte) error {
		go v.OnResponse(pathID, nonce)
		return nil
	}, testConfig())

	if err := v.Validate(context.Background(), 1); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if c := v.Counters(); c.Success != 1 {
		t.Errorf("counters = %+v, want Success=1", c)
	}
}

func TestValidateTimesOutWithoutResponse(t *testing.T) {
	v := New(func(pathID uint8, nonce [16]byte) error { return nil }, testConfig())

	err := v.Validate(context.Background(), 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Validate() = %v, want ErrTimeout", err)
	}
	if c := v.Counters(); c.Timeout != 1 {
		t.Errorf("counters = %+v, want Timeout=1", c)
	}
}

func TestCancelInterruptsPendingValidation(t *testing.T) {
	v := New(func(pathID uint8, nonce [16]byte) error { return nil }, config.PathProbeConfig{
		Timeout: 5 * time.Second, MaxBackoff: time.Second,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Cancel()
	}()

	err := v.Validate(context.Background(), 1)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Validate() = %v, want ErrCancelled", err)
	}
	if c := v.Counters(); c.Cancelled != 1 {
		t.Errorf("counters = %+v, want Cancelled=1", c)
	}
}

func TestCancelShortCircuitsConcurrentValidations(t *testing.T) {
	v := New(func(pathID uint8, nonce [16]byte) error { return nil }, config.PathProbeConfig{
		Timeout: 5 * time.Second, MaxBackoff: time.Second,
	})

	results := make(chan error, 3)
	for _, id := range []uint8{1, 2, 3} {
		go func(id uint8) { results <- v.Validate(context.Background(), id) }(id)
	}
	time.Sleep(20 * time.Millisecond)
	v.Cancel()

	for i := 0; i < 3; i++ {
		if err := <-results; !errors.Is(err, ErrCancelled) {
			t.Errorf("result[%d] = %v, want ErrCancelled", i, err)
		}
	}
}

func TestMismatchedNonceIsIgnored(t *testing.T) {
	var v *Validator
	calls := 0
	v = New(func(pathID uint8, nonce [16]byte) error {
		calls++
		if calls == 1 {
			// respond with a bogus nonce that won't match
			go v.OnResponse(pathID, [16]byte{0xFF})
		} else {
			go v.OnResponse(pathID, nonce)
		}
		return nil
	}, config.PathProbeConfig{Timeout: 200 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})

	if err := v.Validate(context.Background(), 7); err != nil {
		t.Fatalf("Validate() = %v, want eventual success after mismatch", err)
	}
}

func TestContextCancellationStopsValidation(t *testing.T) {
	v := New(func(pathID uint8, nonce [16]byte) error { return nil }, config.PathProbeConfig{
		Timeout: 5 * time.Second, MaxBackoff: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := v.Validate(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Validate() = %v, want context.Canceled", err)
	}
}
