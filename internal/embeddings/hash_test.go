package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Service = (*HashService)(nil)
var _ Service = (*OllamaService)(nil)
var _ Service = (*OpenAIService)(nil)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashServiceDeterministic(t *testing.T) {
	svc, err := NewHashService(128)
	require.NoError(t, err)

	a, err := svc.Embed(context.Background(), "Battery life is excellent")
	require.NoError(t, err)
	b, err := svc.EmbedQuery(context.Background(), "battery LIFE is excellent!")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.Equal(t, a, b)
}

func TestHashServiceNormalized(t *testing.T) {
	svc, _ := NewHashService(64)

	for _, text := range []string{"one", "a much longer review about shipping and packaging", ""} {
		v, err := svc.Embed(context.Background(), text)
		require.NoError(t, err)

		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5, text)
	}
}

func TestHashServiceSimilarity(t *testing.T) {
	svc, _ := NewHashService(256)
	ctx := context.Background()

	battery, _ := svc.Embed(ctx, "great battery life, lasts all day")
	batteryQuery, _ := svc.EmbedQuery(ctx, "battery life")
	shipping, _ := svc.Embed(ctx, "the package arrived late and damaged")

	assert.Greater(t, cosine(battery, batteryQuery), cosine(shipping, batteryQuery))
}

func TestHashServiceBatch(t *testing.T) {
	svc, _ := NewHashService(32)

	vectors, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)

	single, _ := svc.Embed(context.Background(), "b")
	assert.Equal(t, single, vectors[1])

	empty, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestHashServiceCancelled(t *testing.T) {
	svc, _ := NewHashService(32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHashServiceInvalid(t *testing.T) {
	_, err := NewHashService(0)
	assert.Error(t, err)
}
