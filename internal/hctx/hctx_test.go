package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	st := New("delivery-1")
	require.NotNil(t, st)
	require.Equal(t, "delivery-1", st.DeliveryID)
	st.Attempt = 2
	st.Result = []byte("x")

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
}

func TestState_From_Absent(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)
}
