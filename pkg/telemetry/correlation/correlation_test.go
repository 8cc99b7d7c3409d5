package correlation

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background(), " inbound-7 ")
	assert.Equal(t, "inbound-7", id)
	assert.Equal(t, "inbound-7", FromContext(ctx))

	_, kept := Ensure(ctx, "other")
	assert.Equal(t, "inbound-7", kept)

	_, minted := Ensure(context.Background(), "")
	_, err := ulid.Parse(minted)
	require.NoError(t, err)
}

func TestWithIDIgnoresBlank(t *testing.T) {
	ctx := WithID(context.Background(), "  ")
	assert.Empty(t, FromContext(ctx))
}
