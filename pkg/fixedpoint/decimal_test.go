package fixedpoint

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	assert.Equal(t, "1.25", New(125, -2).String())
	assert.Equal(t, "500", New(5, 2).String())
	assert.Equal(t, "0", Zero.String())
	assert.Equal(t, "-0.001", New(-1, -3).String())
}

func TestAdd_RescalesWithoutTruncation(t *testing.T) {
	sum, err := New(100, -2).Add(New(25, -3))
	require.NoError(t, err)
	assert.Equal(t, New(1025, -3), sum)

	sum, err = New(-100, -2).Add(New(100, -2))
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestAdd_OverflowDetected(t *testing.T) {
	_, err := New(math.MaxInt64, 0).Add(New(math.MaxInt64, 0))
	require.Error(t, err)

	// Rescaling alone can overflow even when the magnitudes are modest.
	_, err = New(math.MaxInt64, 0).Add(New(1, -3))
	require.Error(t, err)
}

func TestValidate_ExponentBound(t *testing.T) {
	assert.NoError(t, New(1, 18).Validate(0))
	assert.NoError(t, New(1, -18).Validate(0))
	assert.Error(t, New(1, 19).Validate(0))
	assert.Error(t, New(1, -19).Validate(0))

	assert.NoError(t, New(1, 4).Validate(4))
	assert.Error(t, New(1, 5).Validate(4))
}

func TestCmp_IgnoresRepresentation(t *testing.T) {
	assert.Equal(t, 0, New(10, -1).Cmp(New(1, 0)))
	assert.True(t, New(10, -1).Equal(New(1, 0)))
	assert.Equal(t, -1, New(99, -2).Cmp(New(1, 0)))
	assert.Equal(t, 1, New(101, -2).Cmp(New(1, 0)))
}

func TestJSON_WireFieldNames(t *testing.T) {
	data, err := json.Marshal(New(125, -2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":125,"decimal":-2}`, string(data))

	var d Decimal
	require.NoError(t, json.Unmarshal([]byte(`{"value":-7,"decimal":3}`), &d))
	assert.Equal(t, New(-7, 3), d)
}
