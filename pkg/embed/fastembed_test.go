//go:build fastembed

package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastEmbedderClosedOrCanceled(t *testing.T) {
	e := &FastEmbedder{}
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "buy milk")
	assert.ErrorContains(t, err, "closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, "buy milk")
	assert.ErrorIs(t, err, context.Canceled)
}
