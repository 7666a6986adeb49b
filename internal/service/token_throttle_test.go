package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcessThrottle_SerializesSameToken(t *testing.T) {
	th := NewInProcessThrottle()
	ctx := context.Background()

	var inside int32
	var maxObserved int32
	done := make(chan struct{})

	run := func() {
		unlock, err := th.Lock(ctx, 1)
		require.NoError(t, err)
		n := atomic.AddInt32(&inside, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inside, -1)
		unlock()
		done <- struct{}{}
	}

	for i := 0; i < 5; i++ {
		go run()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	require.LessOrEqual(t, maxObserved, int32(1))
}

func TestInProcessThrottle_DistinctTokensDoNotBlock(t *testing.T) {
	th := NewInProcessThrottle()
	ctx := context.Background()

	unlock1, err := th.Lock(ctx, 1)
	require.NoError(t, err)
	defer unlock1()

	acquired := make(chan struct{})
	go func() {
		unlock2, err := th.Lock(ctx, 2)
		require.NoError(t, err)
		unlock2()
		acquired <- struct{}{}
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("distinct token lock should not block on another token's lock")
	}
}
