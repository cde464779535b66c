package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &Error{Kind: KindNoData, Port: "ttyUSB0", Record: -1})
	assert.True(t, errors.Is(err, ErrNoData))
	assert.False(t, errors.Is(err, ErrParse))
	assert.Equal(t, KindNoData, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cable pulled")
	err := readError("ttyUSB0", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindConnection, err.Kind)
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err      error
		message  string
		describe string
	}{
		{
			err:      &Error{Kind: KindNoData, Port: "ttyUSB0", Record: -1},
			message:  "ttyUSB0: received no data",
			describe: "Received no data",
		},
		{
			err:      parseError(3, "north", errors.New("invalid syntax")),
			message:  `device sent a malformed log: record 3 "north": invalid syntax`,
			describe: `Malformed log record 3: "north"`,
		},
		{
			err:      &Error{Kind: KindNotAcknowledged, Port: "COM3", Record: -1},
			message:  "COM3: device did not acknowledge the command",
			describe: "Device on COM3 did not acknowledge",
		},
		{
			err:      errors.New("plain"),
			message:  "plain",
			describe: "plain",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.message, tt.err.Error())
		assert.Equal(t, tt.describe, Describe(tt.err))
	}
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "not_acknowledged", KindNotAcknowledged.String())
}
