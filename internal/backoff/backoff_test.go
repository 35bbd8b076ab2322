package backoff_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/audioqueue/internal/backoff"
	"github.com/stretchr/testify/assert"
)

func TestLinear_GrowsWithAttempt(t *testing.T) {
	l := backoff.NewLinear(time.Minute, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Minute},
		{2, 2 * time.Minute},
		{3, 3 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := backoff.NewLinear(time.Minute, 5*time.Minute)
	assert.Equal(t, 5*time.Minute, l.Delay(10))
}

func TestLinear_NoMax(t *testing.T) {
	l := backoff.NewLinear(time.Second, 0)
	assert.Equal(t, 100*time.Second, l.Delay(100))
}

func TestLinear_ClampsAttemptBelowOne(t *testing.T) {
	l := backoff.NewLinear(time.Minute, 0)
	assert.Equal(t, time.Minute, l.Delay(0))
	assert.Equal(t, time.Minute, l.Delay(-3))
}

func TestConstant(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}
