package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.NotEmpty(t, cid)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestMetadataCarriesRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	md := Metadata(ctx, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "cid-2", md["correlation_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", md["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", md["span_id"])
	assert.Equal(t, "2024-01-02T03:04:05Z", md["published_at"])
}

func TestContextWithRemoteSpanIgnoresInvalid(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithRemoteSpan(ctx, "zz", "00f067aa0ba902b7"))
}
