package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	const expectedRetries = 7
	const expectedConnections = 9
	p := New(RetriesOption(expectedRetries), MaxConnectionsOption(expectedConnections))
	if d, ok := p.calculator.(*Default); ok {
		assert.Equal(t, 10*time.Millisecond, d.minSleep)
		assert.Equal(t, 2*time.Second, d.maxSleep)
		assert.Equal(t, d.minSleep, p.state.SleepTime)
		assert.Equal(t, uint(2), d.decayConstant)
		assert.Equal(t, uint(1), d.attackConstant)
	} else {
		t.Fatal("calculator is not *Default")
	}
	assert.Equal(t, expectedRetries, p.retries)
	assert.Equal(t, 1, cap(p.pacer))
	assert.Equal(t, 1, len(p.pacer))
	assert.Equal(t, expectedConnections, p.maxConnections)
	assert.Equal(t, expectedConnections, cap(p.connTokens))
	assert.Equal(t, 0, p.state.ConsecutiveRetries)
}

func TestMaxConnections(t *testing.T) {
	p := New()
	p.SetMaxConnections(20)
	assert.Equal(t, 20, p.maxConnections)
	assert.Equal(t, 20, cap(p.connTokens))
	p.SetMaxConnections(0)
	assert.Equal(t, 0, p.maxConnections)
	assert.Nil(t, p.connTokens)
}

func TestSetRetries(t *testing.T) {
	p := New()
	p.SetRetries(18)
	assert.Equal(t, 18, p.retries)
}

func TestDecay(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in            State
		decayConstant uint
		want          time.Duration
	}{
		{State{SleepTime: 8 * time.Millisecond}, 1, 4 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond}, 0, 1 * time.Microsecond},
		{State{SleepTime: 1 * time.Millisecond}, 2, (3 * time.Millisecond) / 4},
		{State{SleepTime: 1 * time.Millisecond}, 3, (7 * time.Millisecond) / 8},
	} {
		c.decayConstant = test.decayConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestAttack(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in             State
		attackConstant uint
		want           time.Duration
	}{
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 1, 2 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 0, 1 * time.Second},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 2, (4 * time.Millisecond) / 3},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 3, (8 * time.Millisecond) / 7},
	} {
		c.attackConstant = test.attackConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestDefaultPacer(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Millisecond), MaxSleep(1*time.Second), DecayConstant(2))
	for _, test := range []struct {
		state State
		want  time.Duration
	}{
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 2 * time.Millisecond},
		{State{SleepTime: 1 * time.Second, ConsecutiveRetries: 1}, 1 * time.Second},
		{State{SleepTime: (3 * time.Second) / 4, ConsecutiveRetries: 1}, 1 * time.Second},
		{State{SleepTime: 1 * time.Second}, 750 * time.Millisecond},
		{State{SleepTime: 1000 * time.Microsecond}, 1 * time.Millisecond},
		{State{SleepTime: 1200 * time.Microsecond}, 1 * time.Millisecond},
	} {
		got := c.Calculate(test.state)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

var errFoo = errors.New("foo")

func TestCallFixed(t *testing.T) {
	p := New(RetriesOption(10), MinSleep(1*time.Microsecond), MaxSleep(2*time.Microsecond))

	called := 0
	err := p.Call(func() (bool, error) {
		called++
		return false, errFoo
	})
	assert.Equal(t, 1, called, "non-retryable error must not retry")
	assert.Equal(t, errFoo, err)
}

func TestCallRetriesUpToLimit(t *testing.T) {
	p := New(RetriesOption(4), MinSleep(1*time.Microsecond), MaxSleep(2*time.Microsecond))

	called := 0
	err := p.Call(func() (bool, error) {
		called++
		return true, errFoo
	})
	assert.Equal(t, 5, called, "one initial attempt plus 4 retries")
	assert.Equal(t, errFoo, err)
}

func TestCallSucceedsWithoutExhaustingRetries(t *testing.T) {
	p := New(RetriesOption(10), MinSleep(1*time.Microsecond), MaxSleep(2*time.Microsecond))

	called := 0
	err := p.Call(func() (bool, error) {
		called++
		if called < 3 {
			return true, errFoo
		}
		return false, nil
	})
	assert.Equal(t, 3, called)
	assert.NoError(t, err)
}

func TestCallSerializesAccess(t *testing.T) {
	p := New(RetriesOption(0), MinSleep(0), MaxSleep(0))

	const n = 20
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_ = p.Call(func() (bool, error) {
				results <- i
				return false, nil
			})
		}()
	}
	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		seen[<-results] = true
	}
	assert.Len(t, seen, n, "every caller's fn must run exactly once")
}
