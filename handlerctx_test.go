package uniqw

import (
	"context"
	"testing"

	"github.com/UniQw/uniqw-batch/internal/hctx"
	"github.com/stretchr/testify/require"
)

func TestHandlerCtx_NoState_NoPanic(t *testing.T) {
	ctx := context.Background()
	// should be no-op and no panic
	require.NoError(t, SetResult(ctx, map[string]int{"a": 1}))
	require.NoError(t, SetResultBytes(ctx, []byte("x")))
	require.Equal(t, "", DeliveryID(ctx))
	require.Equal(t, 0, Attempt(ctx))
}

func TestHandlerCtx_WithState_DeliveryAndResult(t *testing.T) {
	ctx := WithDeliveryID(context.Background(), "msg-7", 2)
	require.Equal(t, "msg-7", DeliveryID(ctx))
	require.Equal(t, 2, Attempt(ctx))

	st, ok := hctx.From(ctx)
	require.True(t, ok)

	// SetResult JSON encodes
	require.NoError(t, SetResult(ctx, map[string]any{"ok": true}))
	require.JSONEq(t, `{"ok":true}`, string(st.Result))

	// Override with raw bytes
	require.NoError(t, SetResultBytes(ctx, []byte(`"raw"`)))
	require.Equal(t, []byte(`"raw"`), st.Result)

	// Invalid JSON keeps the previous result
	require.ErrorIs(t, SetResultBytes(ctx, []byte(`{"a":`)), ErrInvalidResult)
	require.Equal(t, []byte(`"raw"`), st.Result)
}
