package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every tuesday", time.UTC, func(context.Context) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every tuesday")
}

func TestNextUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	s, err := New("0 3 * * *", tokyo, func(context.Context) {})
	require.NoError(t, err)
	assert.True(t, s.Next().IsZero(), "not scheduled before Start")

	s.Start()
	defer s.Stop()
	next := s.Next().In(tokyo)
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	finished := make(chan struct{})
	s, err := New("@every 1s", time.UTC, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		select {
		case <-finished:
		default:
			close(finished)
		}
	})
	require.NoError(t, err)
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		s.Stop()
		t.Fatal("job never ran")
	}

	s.Stop()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job not canceled by Stop")
	}
}
