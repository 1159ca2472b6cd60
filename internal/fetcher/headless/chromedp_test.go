package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.slots))
	require.Greater(t, fetcher.cfg.NavigationTimeout.Seconds(), 0.0)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{slots: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.acquire(ctx), context.Canceled)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			URL:     "https://shop.example/list",
			Status:  200,
			Headers: network.Headers{"Content-Type": "text/html", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://ads.example/frame", Status: 404},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{URL: "https://cdn.example/app.js", Status: 500},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://shop.example/list", "")
	require.Equal(t, 200, status)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
	require.Len(t, headers.Values("Set-Cookie"), 2)
	require.Equal(t, "https://shop.example/list", url)
}

func TestSnapshotFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := newResponseMeta().snapshotWithFallbacks("https://a.example", "https://b.example")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://b.example", url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	out := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", out["X-One"])
	require.Equal(t, []string{"a", "b"}, out["X-Many"])
	require.NotContains(t, out, "X-None")
}

func TestNoopFailsPermanently(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), registrar.FetchRequest{URL: "https://x"})
	require.ErrorIs(t, err, ErrDisabled)
	require.True(t, registrar.IsPermanent(err))
}
