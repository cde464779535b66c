package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSerialConfigUsesSoftwareFlow(t *testing.T) {
	assert.Equal(t, FlowSoftware, DefaultSerialConfig().FlowControl)
	assert.Equal(t, FlowSoftware, SerialConfig{BaudRate: 4800}.withDefaults().FlowControl)
	assert.NoError(t, DefaultSerialConfig().Validate())
}
