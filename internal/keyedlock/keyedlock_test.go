package keyedlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapSerializesSameKey(t *testing.T) {
	locks := New()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock("https://a.example")
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected serialized access, saw %d concurrent holders", maxActive)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected lock table to drain, has %d entries", locks.Len())
	}
}

func TestMapAllowsDifferentKeys(t *testing.T) {
	locks := New()
	releaseA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		release := locks.Lock("b")
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	releaseA()
}
