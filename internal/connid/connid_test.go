package connid

import "testing"

func TestTokenDecodeRoundTrip(t *testing.T) {
	for idx := MinIndex; idx < MinIndex+5; idx++ {
		for _, ch := range []Channel{ChannelIdle, ChannelUDP, ChannelTCP} {
			tok := Token(idx, ch)
			gotIdx, gotCh := Decode(tok)
			if gotIdx != idx || gotCh != ch {
				t.Fatalf("Decode(Token(%d,%d)) = (%d,%d), want (%d,%d)", idx, ch, gotIdx, gotCh, idx, ch)
			}
		}
	}
}

func TestAllocatorWrapsWithoutReusingLive(t *testing.T) {
	a := NewAllocator()
	a.next = MaxIndex - 1 // force a wrap soon

	first := a.Acquire()  // MaxIndex-1
	second := a.Acquire() // MaxIndex
	third := a.Acquire()  // wraps to MinIndex

	if first != MaxIndex-1 || second != MaxIndex {
		t.Fatalf("unexpected pre-wrap indices: %d, %d", first, second)
	}
	if third != MinIndex {
		t.Fatalf("expected wrap to MinIndex, got %d", third)
	}

	a.Release(first)
	a.Release(second)

	// Acquire MinIndex again should skip the still-live `third`.
	a.next = MinIndex
	fourth := a.Acquire()
	if fourth == third {
		t.Fatalf("allocator reused a live index: %d", fourth)
	}
	if a.Live(fourth) != true || a.Live(third) != true {
		t.Fatalf("expected both %d and %d to be live", third, fourth)
	}
}

func TestResolverIndexReserved(t *testing.T) {
	if MinIndex <= Resolver {
		t.Fatalf("MinIndex (%d) must be greater than the reserved Resolver index (%d)", MinIndex, Resolver)
	}
}
