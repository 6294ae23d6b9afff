package uniqw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogger_Levels(t *testing.T) {
	l, err := NewZapLogger("debug")
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = NewZapLogger("")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewZapLogger("loud")
	require.Error(t, err)
}

func TestCoordinator_LogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, _, cleanup := newTestStore(t)
	defer cleanup()
	seedTask(t, s, "z1", 1)

	mux := NewMux()
	mux.HandleFunc("report", func(context.Context, *Task, Delivery) (any, error) {
		return nil, Expectedf("bad row 7")
	}, nil)
	c := NewCoordinator(CoordinatorConfig{Store: s, Mux: mux, Logger: zap.New(core).Sugar()})

	resp := c.Handle(WithDeliveryID(context.Background(), "msg-9", 0), BatchDelivery("z1", 0))
	require.Equal(t, 400, resp.StatusCode)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.NotEmpty(t, warns)
	require.Contains(t, warns[0].Message, "task=z1 delivery=msg-9")
	require.Contains(t, warns[0].Message, "bad row 7")
}
