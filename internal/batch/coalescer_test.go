package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/citizen-chat/resilience-core/pkg/logger"
)

func waitOpen(t *testing.T, c *Coalescer, conv string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !c.Open(conv) {
		if time.Now().After(deadline) {
			t.Fatalf("window for %s never opened", conv)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoalescer_MergesBurstIntoPrimary(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: 100 * time.Millisecond}, logger.NewNop())
	ctx := context.Background()

	primary := make(chan Result, 1)
	go func() {
		res, err := c.AddToBatch(ctx, "conv-1", "my street light")
		if err != nil {
			t.Errorf("primary: %v", err)
		}
		primary <- res
	}()
	waitOpen(t, c, "conv-1")

	for i, msg := range []string{"is broken", "since monday"} {
		res, err := c.AddToBatch(ctx, "conv-1", msg)
		if err != nil {
			t.Fatalf("secondary %d: %v", i, err)
		}
		if res.IsPrimary || !res.Suppress || res.CombinedMessage != DoNotDisplay {
			t.Fatalf("secondary %d: unexpected result %+v", i, res)
		}
		if res.MessageCount != i+2 {
			t.Fatalf("secondary %d: expected count %d, got %d", i, i+2, res.MessageCount)
		}
	}

	res := <-primary
	defer res.Release()
	if !res.IsPrimary || !res.IsBatched {
		t.Fatalf("expected batched primary, got %+v", res)
	}
	if res.MessageCount != 3 {
		t.Fatalf("expected 3 messages, got %d", res.MessageCount)
	}
	if want := "my street light\nis broken\nsince monday"; res.CombinedMessage != want {
		t.Fatalf("expected %q, got %q", want, res.CombinedMessage)
	}
	if c.Open("conv-1") {
		t.Fatalf("window must be closed after deadline")
	}
}

func TestCoalescer_SingleMessageIsNotBatched(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: 10 * time.Millisecond}, logger.NewNop())
	res, err := c.AddToBatch(context.Background(), "conv", "hello")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	res.Release()
	if !res.IsPrimary || res.IsBatched || res.CombinedMessage != "hello" || res.MessageCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCoalescer_CancelBatch(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())

	done := make(chan Result, 1)
	go func() {
		res, _ := c.AddToBatch(context.Background(), "conv", "hi")
		done <- res
	}()
	waitOpen(t, c, "conv")

	if !c.CancelBatch("conv") {
		t.Fatalf("expected open window cancelled")
	}
	if c.CancelBatch("conv") {
		t.Fatalf("second cancel must be a no-op")
	}

	res := <-done
	if !res.Cancelled || !res.Suppress || res.CombinedMessage != "" {
		t.Fatalf("expected cancelled primary, got %+v", res)
	}
}

func TestCoalescer_CancelRacesDeadline(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Millisecond}, logger.NewNop())

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		results := make(chan Result, 1)
		go func() {
			defer wg.Done()
			res, _ := c.AddToBatch(context.Background(), "race", "x")
			res.Release()
			results <- res
		}()
		go func() {
			defer wg.Done()
			c.CancelBatch("race")
		}()
		wg.Wait()

		res := <-results
		if res.Cancelled && res.CombinedMessage != "" {
			t.Fatalf("cancelled window must not carry text: %+v", res)
		}
		if !res.Cancelled && res.CombinedMessage != "x" {
			t.Fatalf("completed window lost its text: %+v", res)
		}
	}
}

func TestCoalescer_MaxMessagesForcesClose(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute, MaxMessages: 2}, logger.NewNop())

	done := make(chan Result, 1)
	go func() {
		res, _ := c.AddToBatch(context.Background(), "conv", "a")
		done <- res
	}()
	waitOpen(t, c, "conv")

	if res, _ := c.AddToBatch(context.Background(), "conv", "b"); res.IsPrimary {
		t.Fatalf("expected secondary")
	}

	select {
	case res := <-done:
		res.Release()
		if res.CombinedMessage != "a\nb" {
			t.Fatalf("unexpected combined %q", res.CombinedMessage)
		}
	case <-time.After(time.Second):
		t.Fatalf("window was not force-closed at max size")
	}
}

func TestCoalescer_FlushClosesEarly(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())

	done := make(chan Result, 1)
	go func() {
		res, _ := c.AddToBatch(context.Background(), "conv", "a")
		done <- res
	}()
	waitOpen(t, c, "conv")
	if !c.Flush("conv") {
		t.Fatalf("expected flush to close the window")
	}
	res := <-done
	res.Release()
	if res.Cancelled || res.CombinedMessage != "a" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCoalescer_ContextCancelDiscardsWindow(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.AddToBatch(ctx, "conv", "a")
		done <- err
	}()
	waitOpen(t, c, "conv")
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Open("conv") {
		t.Fatalf("window must be discarded")
	}
}

func TestCoalescer_ContextCancelKeepsMergedText(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.AddToBatch(ctx, "conv", "Lampu jalan")
		done <- outcome{res, err}
	}()
	waitOpen(t, c, "conv")

	if res, ok := c.Join("conv", "di Jalan Merdeka"); !ok || !res.Suppress {
		t.Fatalf("expected follow-up joined, got %+v ok=%v", res, ok)
	}
	cancel()

	out := <-done
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.err)
	}
	if !out.res.Cancelled || out.res.MessageCount != 2 || out.res.CombinedMessage != "Lampu jalan\ndi Jalan Merdeka" {
		t.Fatalf("merged text must survive cancellation, got %+v", out.res)
	}
}

func TestCoalescer_WindowsOfOneConversationStayOrdered(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: 5 * time.Millisecond}, logger.NewNop())
	ctx := context.Background()

	first, err := c.AddToBatch(ctx, "conv", "first")
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second := make(chan Result, 1)
	go func() {
		res, _ := c.AddToBatch(ctx, "conv", "second")
		second <- res
	}()

	select {
	case <-second:
		t.Fatalf("second window must wait for the first to release")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case res := <-second:
		res.Release()
		if res.CombinedMessage != "second" {
			t.Fatalf("unexpected second result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("second window never proceeded")
	}
}

func TestCoalescer_ConversationsIndependent(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())

	go c.AddToBatch(context.Background(), "slow", "a")
	waitOpen(t, c, "slow")

	c2done := make(chan struct{})
	go func() {
		res, _ := c.AddToBatch(context.Background(), "other", "b")
		res.Release()
		close(c2done)
	}()
	waitOpen(t, c, "other")
	c.Flush("other")

	select {
	case <-c2done:
	case <-time.After(time.Second):
		t.Fatalf("a different conversation must not wait on another's window")
	}
	c.CancelBatch("slow")
}

func TestCoalescer_JoinOnlyWhenOpen(t *testing.T) {
	t.Parallel()

	c := New(Options{Window: time.Minute}, logger.NewNop())
	if _, ok := c.Join("conv", "early"); ok {
		t.Fatalf("join must fail without an open window")
	}
	if c.Open("conv") {
		t.Fatalf("a failed join must not open a window")
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := c.AddToBatch(context.Background(), "conv", "a")
		done <- res
	}()
	waitOpen(t, c, "conv")

	res, ok := c.Join("conv", "b")
	if !ok || res.IsPrimary || !res.Suppress || res.MessageCount != 2 {
		t.Fatalf("unexpected join result %+v ok=%v", res, ok)
	}
	c.Flush("conv")
	primary := <-done
	primary.Release()
	if primary.CombinedMessage != "a\nb" {
		t.Fatalf("unexpected combined %q", primary.CombinedMessage)
	}
}
