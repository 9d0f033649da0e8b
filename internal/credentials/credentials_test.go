package credentials_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/credentials"
)

func TestStatic(t *testing.T) {
	p := credentials.NewStatic("AKID", "SECRET", "")

	creds := p.Credentials()
	assert.Equal(t, "AKID", creds.AccessKey)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)
	assert.Empty(t, creds.SessionToken)
	assert.True(t, creds.Valid())
	assert.NotContains(t, creds.String(), "SECRET")
}

func TestRefreshing(t *testing.T) {
	t.Run("initial fetch failure is returned", func(t *testing.T) {
		fetchErr := errors.New("metadata unavailable")
		_, err := credentials.NewRefreshing(context.Background(), func(context.Context) (credentials.Credentials, error) {
			return credentials.Credentials{}, fetchErr
		})
		require.ErrorIs(t, err, fetchErr)
	})

	t.Run("empty initial credentials are rejected", func(t *testing.T) {
		_, err := credentials.NewRefreshing(context.Background(), func(context.Context) (credentials.Credentials, error) {
			return credentials.Credentials{AccessKey: "AKID"}, nil
		})
		require.ErrorIs(t, err, credentials.ErrEmpty)
	})

	t.Run("background loop swaps snapshots", func(t *testing.T) {
		var n atomic.Int32
		fetch := func(context.Context) (credentials.Credentials, error) {
			i := n.Add(1)
			return credentials.Credentials{
				AccessKey:       "AKID" + string(rune('0'+i)),
				SecretAccessKey: "SECRET",
				SessionToken:    "TOKEN",
			}, nil
		}

		p, err := credentials.NewRefreshing(context.Background(), fetch, credentials.WithInterval(10*time.Millisecond))
		require.NoError(t, err)
		defer p.Close()

		assert.Equal(t, "AKID1", p.Credentials().AccessKey)

		assert.Eventually(t, func() bool {
			return p.Credentials().AccessKey != "AKID1"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("failed refresh keeps previous snapshot", func(t *testing.T) {
		var fail atomic.Bool
		fetch := func(context.Context) (credentials.Credentials, error) {
			if fail.Load() {
				return credentials.Credentials{}, errors.New("boom")
			}
			return credentials.Credentials{AccessKey: "AKID", SecretAccessKey: "SECRET"}, nil
		}

		p, err := credentials.NewRefreshing(context.Background(), fetch, credentials.WithInterval(time.Hour))
		require.NoError(t, err)
		defer p.Close()

		fail.Store(true)
		require.Error(t, p.Refresh(context.Background()))
		assert.Equal(t, "AKID", p.Credentials().AccessKey)
	})

	t.Run("concurrent readers during refresh", func(t *testing.T) {
		p, err := credentials.NewRefreshing(context.Background(), func(context.Context) (credentials.Credentials, error) {
			return credentials.Credentials{AccessKey: "AKID", SecretAccessKey: "SECRET"}, nil
		}, credentials.WithInterval(time.Millisecond))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 1000 {
					assert.True(t, p.Credentials().Valid())
				}
			}()
		}
		wg.Wait()

		require.NoError(t, p.Close())
		// Close is idempotent.
		require.NoError(t, p.Close())
	})
}
