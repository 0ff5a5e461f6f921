package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 0; i < 10; i++ {
		rc.Send(i)
	}

	assert.Equal(t, 3, rc.Len())
	assert.Equal(t, int64(10), rc.Written())
	assert.Equal(t, int64(7), rc.Overwritten())

	var got []int
	for i := 0; i < 3; i++ {
		v, ok := rc.TryReceive()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got)
}

func TestRingChannel_SendReportsEviction(t *testing.T) {
	rc := New[string](1)

	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))

	v, ok := rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = rc.TryReceive()
	assert.False(t, ok, "empty channel MUST NOT block or yield")
}

func TestRingChannel_CloseIsIdempotent(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "send after close MUST be ignored")

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1}, got)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestRingChannel_SendRacingClose(t *testing.T) {
	// GOAL: Verify producers racing Close never panic on a closed channel
	//
	// TEST SCENARIO: Several producers send while the stream closes → no panic, channel drains

	rc := New[int](4)
	done := make(chan struct{})
	for p := 0; p < 4; p++ {
		go func() {
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
			done <- struct{}{}
		}()
	}
	rc.Close()
	for p := 0; p < 4; p++ {
		<-done
	}

	for range rc.C() {
	}
	assert.LessOrEqual(t, rc.Written(), int64(4000))
}
