package tokenstore

import (
	"testing"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndConsume(t *testing.T) {
	s := New(nil, time.Minute)

	token, expiresIn, err := s.Mint("service-a")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, time.Minute, expiresIn)

	serviceID, err := s.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, "service-a", serviceID)
}

func TestConsumeUnknownToken(t *testing.T) {
	s := New(nil, time.Minute)

	_, err := s.Consume("does-not-exist")
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindInvalidToken))
}

func TestConsumeAlreadyUsed(t *testing.T) {
	s := New(nil, time.Minute)

	token, _, err := s.Mint("service-a")
	require.NoError(t, err)

	_, err = s.Consume(token)
	require.NoError(t, err)

	_, err = s.Consume(token)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindAlreadyUsed))
}

func TestConsumeExpiredToken(t *testing.T) {
	s := New(nil, 10*time.Millisecond)

	token, _, err := s.Mint("service-a")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = s.Consume(token)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindExpiredToken))
}

func TestMintGeneratesUniqueTokens(t *testing.T) {
	s := New(nil, time.Minute)

	t1, _, err := s.Mint("service-a")
	require.NoError(t, err)
	t2, _, err := s.Mint("service-a")
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.Equal(t, 2, s.Len())
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := New(nil, 10*time.Millisecond)
	_, _, err := s.Mint("service-a")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	s.Sweep()

	assert.Equal(t, 0, s.Len())
}
