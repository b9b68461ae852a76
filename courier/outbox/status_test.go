package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("DEAD_LETTERED")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)

	_, err = ParseStatus("PUBLISHED")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		wantErr  error
	}{
		{StatusPending, StatusPending, nil},
		{StatusPending, StatusProcessed, nil},
		{StatusPending, StatusDeadLettered, nil},
		{StatusProcessed, StatusPending, ErrRecordTerminal},
		{StatusProcessed, StatusDeadLettered, ErrRecordTerminal},
		{StatusDeadLettered, StatusPending, ErrRecordTerminal},
		{StatusDeadLettered, StatusProcessed, ErrRecordTerminal},
		{StatusPending, Status("LOST"), ErrTransitionInvalid},
		{Status("LOST"), StatusPending, ErrTransitionInvalid},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusProcessed.IsTerminal())
	assert.True(t, StatusDeadLettered.IsTerminal())
}
