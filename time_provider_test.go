package udpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetTimeProvider(t *testing.T) {
	assert.IsType(t, RealTimeProvider{}, getTimeProvider(nil))

	mock := newMockTimeProvider()
	assert.Same(t, mock, getTimeProvider(mock))
}

func TestMockTimeProviderAdvance(t *testing.T) {
	mock := newMockTimeProvider()
	start := mock.Now()

	mock.Advance(150 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, mock.Now().Sub(start))
}

func TestRealTimeProviderTicks(t *testing.T) {
	ticker := RealTimeProvider{}.NewTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C:
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}
