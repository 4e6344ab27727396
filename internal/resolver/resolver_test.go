package resolver

import (
	"testing"
	"time"
)

func TestResolveLiteralIP(t *testing.T) {
	r := New(time.Second)
	r.Resolve("93.184.216.34")

	select {
	case res := <-r.Results():
		if !res.Ok {
			t.Fatalf("expected success for literal IP")
		}
		if res.IP.String() != "93.184.216.34" {
			t.Fatalf("unexpected ip: %s", res.IP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestResolveFailureToleratesRetry(t *testing.T) {
	r := New(200 * time.Millisecond)

	// An address guaranteed to fail resolution (reserved invalid TLD).
	r.Resolve("this-host-should-not-exist.invalid")
	select {
	case res := <-r.Results():
		if res.Ok {
			t.Fatalf("expected failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first failed result")
	}

	// The pool must be able to call Resolve again after a failure.
	r.Resolve("this-host-should-not-exist.invalid")
	select {
	case res := <-r.Results():
		if res.Ok {
			t.Fatalf("expected second failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second failed result")
	}
}

func TestConsumeDrainsWithoutBlocking(t *testing.T) {
	r := New(time.Second)
	r.Resolve("1.1.1.1")
	r.Resolve("8.8.8.8")

	time.Sleep(50 * time.Millisecond)

	var got []Result
	r.Consume(func(res Result) { got = append(got, res) })

	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}

	// Second call with nothing pending must return immediately.
	done := make(chan struct{})
	go func() {
		r.Consume(func(Result) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume blocked with nothing pending")
	}
}
