package knock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyValidation(t *testing.T) {
	_, err := NewPolicy(nil)
	require.ErrorIs(t, err, ErrEmptyPolicy)

	_, err = NewPolicy([]uint16{4002, 0})
	require.ErrorIs(t, err, ErrZeroPort)

	_, err = NewPolicy([]uint16{4002, 4841, 4002})
	require.ErrorIs(t, err, ErrDuplicatePort)
}

func TestPolicyIsCopied(t *testing.T) {
	ports := []uint16{4002, 4841, 4219}
	p, err := NewPolicy(ports)
	require.NoError(t, err)

	ports[0] = 1
	assert.Equal(t, []uint16{4002, 4841, 4219}, p.Ports())

	out := p.Ports()
	out[1] = 1
	assert.Equal(t, "4002,4841,4219", p.String())
}

func TestPolicyMatch(t *testing.T) {
	p, err := NewPolicy([]uint16{1, 2, 3})
	require.NoError(t, err)

	tests := []struct {
		name   string
		recent []uint16
		want   bool
	}{
		{"empty", nil, false},
		{"short", []uint16{2, 3}, false},
		{"exact", []uint16{1, 2, 3}, true},
		{"suffix", []uint16{9, 9, 1, 2, 3}, true},
		{"reordered", []uint16{1, 3, 2}, false},
		{"trailing noise", []uint16{1, 2, 3, 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Match(tt.recent))
		})
	}
	assert.True(t, p.Contains(2))
	assert.False(t, p.Contains(4))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "fail", Fail.String())
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "result(7)", Result(7).String())
}
