package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "www.11st.co.kr/search", "www.11st.co.kr"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	t.Parallel()

	Init()
	Init()
	require.NotNil(t, jobsTotal)
	require.NotNil(t, quotaDenialsTotal)
	require.NotNil(t, httpRequestDurationSeconds)
}

func TestObserveHelpers(t *testing.T) {
	t.Parallel()
	Init()

	before := testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("metrics_test_feature"))
	ObserveQuotaDenial("metrics_test_feature")
	ObserveQuotaDenial("metrics_test_feature")
	require.InDelta(t, before+2, testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("metrics_test_feature")), 0.001)

	ObserveCrawlItem("https://Shop.Example.com/item/1", "success")
	require.GreaterOrEqual(t, testutil.ToFloat64(crawlItemsTotal.WithLabelValues("shop.example.com", "success")), 1.0)

	ObserveScheduledCrawl("metrics_test_result")
	require.InDelta(t, 1, testutil.ToFloat64(scheduledCrawlsTotal.WithLabelValues("metrics_test_result")), 0.001)
	ObservePriceAlert("metrics_test_type")
	require.InDelta(t, 1, testutil.ToFloat64(priceAlertsTotal.WithLabelValues("metrics_test_type")), 0.001)

	IncActiveUnits("metrics_test_pool")
	IncActiveUnits("metrics_test_pool")
	DecActiveUnits("metrics_test_pool")
	require.InDelta(t, 1, testutil.ToFloat64(activeUnits.WithLabelValues("metrics_test_pool")), 0.001)

	ObserveRateLimitDelay("metrics-test.example", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://www.coupang.com/np/search?q=x", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
