package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
)

func TestRegisterPreRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	tr := PreFunc{TriggerName: "normalize", Fn: func(ctx context.Context, args *core.PreTriggerArgs) error {
		return nil
	}}

	require.NoError(t, r.RegisterPre(tr))
	assert.Error(t, r.RegisterPre(tr))
	assert.Error(t, r.RegisterPre(PreFunc{TriggerName: ""}))
}

func TestResolveUnknownName(t *testing.T) {
	r := NewRegistry()

	_, err := r.ResolvePre([]string{"nope"})
	var nfe *core.NotFunctionError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "nope", nfe.Trigger)

	_, err = r.ResolvePost([]string{"nope"})
	assert.ErrorAs(t, err, &nfe)
}

func TestRunPreRewritesArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPre(PreFunc{
		TriggerName: "lowercase-key",
		Fn: func(ctx context.Context, args *core.PreTriggerArgs) error {
			args.Key = "rewritten"
			args.Value["stamped"] = true
			return nil
		},
	}))

	args := &core.PreTriggerArgs{Key: "Original", Value: map[string]interface{}{}}
	require.NoError(t, r.RunPre(context.Background(), []string{"lowercase-key"}, args))
	assert.Equal(t, "rewritten", args.Key)
	assert.Equal(t, true, args.Value["stamped"])
}

func TestRunPreStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("rejected")
	var secondRan bool

	require.NoError(t, r.RegisterPre(PreFunc{
		TriggerName: "first",
		Fn:          func(ctx context.Context, args *core.PreTriggerArgs) error { return boom },
	}))
	require.NoError(t, r.RegisterPre(PreFunc{
		TriggerName: "second",
		Fn: func(ctx context.Context, args *core.PreTriggerArgs) error {
			secondRan = true
			return nil
		},
	}))

	err := r.RunPre(context.Background(), []string{"first", "second"}, &core.PreTriggerArgs{})
	require.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
}

func TestRunPostChainOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	mk := func(name string) PostFunc {
		return PostFunc{TriggerName: name, Fn: func(ctx context.Context, args *core.PostTriggerArgs) error {
			order = append(order, name)
			return nil
		}}
	}
	require.NoError(t, r.RegisterPost(mk("a")))
	require.NoError(t, r.RegisterPost(mk("b")))

	require.NoError(t, r.RunPost(context.Background(), []string{"b", "a"}, &core.PostTriggerArgs{
		Operation: "put",
	}))
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestRunWithUnknownNameFailsBeforeAnyTrigger(t *testing.T) {
	r := NewRegistry()
	var ran bool
	require.NoError(t, r.RegisterPost(PostFunc{
		TriggerName: "known",
		Fn: func(ctx context.Context, args *core.PostTriggerArgs) error {
			ran = true
			return nil
		},
	}))

	err := r.RunPost(context.Background(), []string{"known", "unknown"}, &core.PostTriggerArgs{})
	var nfe *core.NotFunctionError
	require.ErrorAs(t, err, &nfe)
	assert.False(t, ran)
}
