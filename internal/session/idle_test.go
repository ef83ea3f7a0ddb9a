package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIdleThreshold(t *testing.T) {
	ch := newFakeChannel()
	s := New(ch, newPipeOpener(), Config{Identity: token})
	now := time.Now()

	s.lastActivity.Store(now.Add(-10 * time.Second).UnixNano())
	assert.False(t, s.checkIdle(now))
	assert.Equal(t, 0, ch.pingCount())

	quiet := now.Add(-31 * time.Second)
	s.lastActivity.Store(quiet.UnixNano())
	assert.True(t, s.checkIdle(now))
	assert.Equal(t, 1, ch.pingCount())
	// keepalives never count as activity
	assert.Equal(t, quiet.UnixNano(), s.LastActivity().UnixNano())

	// one keepalive per firing while the client stays quiet
	assert.True(t, s.checkIdle(now.Add(DefaultIdlePeriod)))
	assert.Equal(t, 2, ch.pingCount())

	s.touch()
	assert.False(t, s.checkIdle(time.Now()))
	assert.Equal(t, 2, ch.pingCount())
}

func TestIdleMonitorRunsUntilTeardown(t *testing.T) {
	ch := newFakeChannel()
	s := New(ch, newPipeOpener(), Config{Identity: token, IdlePeriod: 10 * time.Millisecond, IdleThreshold: time.Millisecond})
	before := s.LastActivity()
	done := serve(s)

	require.Eventually(t, func() bool { return ch.pingCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, before, s.LastActivity())

	close(ch.in)
	require.NoError(t, waitServe(t, done))
	n := ch.pingCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, ch.pingCount(), "keepalives after teardown")
}
