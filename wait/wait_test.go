package wait_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c35s/dsplink/wait"
	"golang.org/x/sys/unix"
)

func TestUntil(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		if err := (wait.Policy{}).Until(context.Background(), func() bool { return true }); err != nil {
			t.Error(err)
		}
	})

	t.Run("eventually", func(t *testing.T) {
		n := 0
		p := wait.Policy{Interval: time.Millisecond, Timeout: time.Second}
		if err := p.Until(context.Background(), func() bool { n++; return n == 3 }); err != nil {
			t.Error(err)
		}

		if n != 3 {
			t.Errorf("cond called %d times != 3", n)
		}
	})

	for _, spin := range []bool{false, true} {
		p := wait.Policy{Interval: time.Microsecond, Timeout: 2 * time.Millisecond, Spin: spin}

		err := p.Until(context.Background(), func() bool { return false })
		if !errors.Is(err, wait.ErrTimeout) {
			t.Errorf("spin=%v: error isn't ErrTimeout: %v", spin, err)
		}

		if !errors.Is(err, unix.ETIMEDOUT) {
			t.Errorf("spin=%v: error isn't ETIMEDOUT: %v", spin, err)
		}
	}

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := wait.Policy{Interval: time.Millisecond, Timeout: time.Hour}
		if err := p.Until(ctx, func() bool { return false }); !errors.Is(err, context.Canceled) {
			t.Errorf("error isn't Canceled: %v", err)
		}
	})
}

func TestWait(t *testing.T) {
	c := make(chan struct{}, 1)
	p := wait.Policy{Timeout: 5 * time.Millisecond}

	if err := p.Wait(context.Background(), c); !errors.Is(err, wait.ErrTimeout) {
		t.Errorf("error isn't ErrTimeout: %v", err)
	}

	c <- struct{}{}
	if err := p.Wait(context.Background(), c); err != nil {
		t.Error(err)
	}

	go func() { c <- struct{}{} }()
	if err := (wait.Policy{Timeout: time.Second, Interval: time.Microsecond, Spin: true}).Wait(context.Background(), c); err != nil {
		t.Error(err)
	}
}
