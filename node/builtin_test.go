package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cycleflow/types"
)

func TestBuiltinRegistersAllKinds(t *testing.T) {
	t.Parallel()

	r := Builtin()
	assert.Equal(t,
		[]string{KindCode, KindMerge, KindPassthrough, KindRouter, KindSink, KindSource},
		r.Kinds())
}

func TestSourceInvoke(t *testing.T) {
	t.Parallel()

	res, err := sourceInvoke(context.Background(), &Invocation{
		NodeID: "start",
		Config: map[string]any{"values": map[string]any{"count": 0, "step": 1}},
		Inputs: map[string]any{"count": 10},
	})
	require.NoError(t, err)
	// Resolved inputs override configured values.
	assert.Equal(t, map[string]any{"count": 10, "step": 1}, res.Outputs)
}

func TestPassthroughInvoke(t *testing.T) {
	t.Parallel()

	in := map[string]any{"a": 1, "b": "x"}
	res, err := passthroughInvoke(context.Background(), &Invocation{Inputs: in})
	require.NoError(t, err)
	assert.Equal(t, in, res.Outputs)
}

func TestCodeInvoke(t *testing.T) {
	t.Parallel()

	t.Run("typed handler", func(t *testing.T) {
		t.Parallel()
		handler := CodeFunc(func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			v, _ := inv.Input("count")
			return map[string]any{"count": v.(int) + 1}, nil
		})
		res, err := codeInvoke(context.Background(), &Invocation{
			NodeID: "inc",
			Config: map[string]any{"handler": handler},
			Inputs: map[string]any{"count": 4},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": 5}, res.Outputs)
	})

	t.Run("bare func handler", func(t *testing.T) {
		t.Parallel()
		fn := func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}
		res, err := codeInvoke(context.Background(), &Invocation{
			NodeID: "fn",
			Config: map[string]any{"handler": fn},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"ok": true}, res.Outputs)
	})

	t.Run("handler errors propagate", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		handler := CodeFunc(func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			return nil, boom
		})
		_, err := codeInvoke(context.Background(), &Invocation{
			NodeID: "bad",
			Config: map[string]any{"handler": handler},
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing handler", func(t *testing.T) {
		t.Parallel()
		_, err := codeInvoke(context.Background(), &Invocation{
			NodeID: "empty",
			Config: map[string]any{},
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrNodeExecution, types.CodeOf(err))
	})
}

func TestInvocationInputDottedPath(t *testing.T) {
	t.Parallel()

	inv := &Invocation{Inputs: map[string]any{
		"result": map[string]any{"score": 0.7},
		"flag":   nil,
	}}

	v, ok := inv.Input("result.score")
	require.True(t, ok)
	assert.Equal(t, 0.7, v)

	v, ok = inv.Input("flag")
	require.True(t, ok, "a stored nil is still present")
	assert.Nil(t, v)

	_, ok = inv.Input("result.missing")
	assert.False(t, ok)
}
