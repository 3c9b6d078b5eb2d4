package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparisons(t *testing.T) {
	e := NewConditionEvaluator()
	vars := map[string]interface{}{
		"amount":   int64(1500),
		"approved": true,
		"region":   "eu",
	}

	ok, err := e.Evaluate("${amount > 1000}", vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("${amount > 1000 && region == 'us'}", vars)
	require.NoError(t, err)
	assert.False(t, ok)

	// Bare expressions without the wrapper work too
	ok, err = e.Evaluate("approved", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateRejectsNonBoolean(t *testing.T) {
	e := NewConditionEvaluator()
	_, err := e.Evaluate("${amount + 1}", map[string]interface{}{"amount": int64(1)})
	require.Error(t, err)
}

func TestEvaluateRejectsEmptyAndMalformed(t *testing.T) {
	e := NewConditionEvaluator()

	_, err := e.Evaluate("${}", nil)
	require.Error(t, err)

	_, err = e.Evaluate("${amount >}", map[string]interface{}{"amount": int64(1)})
	require.Error(t, err)
}

func TestEvaluateCachesPerVariableSet(t *testing.T) {
	e := NewConditionEvaluator()

	ok, err := e.Evaluate("${x > 1}", map[string]interface{}{"x": int64(2)})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same expression, different variable set: must recompile, not
	// reuse a program with a stale environment.
	ok, err = e.Evaluate("${x > 1}", map[string]interface{}{"x": int64(0), "y": int64(9)})
	require.NoError(t, err)
	assert.False(t, ok)
}
