package wait

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParkTimesOutWhenNeverWoken(t *testing.T) {
	var v uint32
	start := time.Now()
	err := Park(&v, 0, 20*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestParkReturnsAfterWake(t *testing.T) {
	var v uint32
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		atomic.StoreUint32(&v, 1)
		Wake(&v, 1)
		close(done)
	}()
	err := Park(&v, 0, time.Second)
	require.NoError(t, err)
	<-done
}
