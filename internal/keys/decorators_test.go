package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/keys/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestWithTimeout_TranslatesDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)

	m.EXPECT().CurrentKey(gomock.Any()).DoAndReturn(func(ctx context.Context) (uint32, []byte, error) {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	})

	p := WithTimeout(m, 10*time.Millisecond)
	_, _, err := p.CurrentKey(context.Background())
	assert.ErrorIs(t, err, common.ErrKeyUnavailable)
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)

	m.EXPECT().KeyByVersion(gomock.Any(), uint32(4)).Return(nil, common.ErrKeyNotFound)
	m.EXPECT().KeyByVersion(gomock.Any(), uint32(1)).Return(key(1), nil)

	p := WithTimeout(m, time.Second)
	_, err := p.KeyByVersion(context.Background(), 4)
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
	assert.False(t, errors.Is(err, common.ErrKeyUnavailable))

	k, err := p.KeyByVersion(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, key(1), k)
}

func TestCached_HistoricalKeysFetchedOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)
	m.EXPECT().KeyByVersion(gomock.Any(), uint32(1)).Return(key(1), nil).Times(1)

	c := Cached(m, time.Minute)
	for i := 0; i < 3; i++ {
		k, err := c.KeyByVersion(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, key(1), k)
	}
}

func TestCached_CurrentKeyExpires(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)
	gomock.InOrder(
		m.EXPECT().CurrentKey(gomock.Any()).Return(uint32(1), key(1), nil),
		m.EXPECT().CurrentKey(gomock.Any()).Return(uint32(2), key(2), nil),
	)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cached(m, time.Minute)
	c.now = func() time.Time { return now }

	v, _, err := c.CurrentKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	v, _, err = c.CurrentKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v, "served from cache")

	now = now.Add(2 * time.Minute)
	v, k, err := c.CurrentKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)
	assert.Equal(t, key(2), k)

	// the old current key stays available for decryption without a fetch
	old, err := c.KeyByVersion(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, key(1), old)
}

func TestCached_ErrorsNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)
	gomock.InOrder(
		m.EXPECT().CurrentKey(gomock.Any()).Return(uint32(0), nil, common.ErrKeyUnavailable),
		m.EXPECT().CurrentKey(gomock.Any()).Return(uint32(3), key(3), nil),
	)

	c := Cached(m, time.Minute)
	_, _, err := c.CurrentKey(context.Background())
	assert.ErrorIs(t, err, common.ErrKeyUnavailable)

	v, _, err := c.CurrentKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
}
