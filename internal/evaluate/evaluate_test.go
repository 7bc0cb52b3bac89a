package evaluate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lorapark/control-plane/internal/statemachine"
)

func TestBuildPayloadSolidEncodesRGBAndOnOff(t *testing.T) {
	payload, port := BuildPayload(statemachine.TargetDisplay{ColorRGB: "FF0000"})

	assert.Equal(t, DisplayPort, port)
	assert.Equal(t, []byte{0xFF, 0x00, 0x00, dutySolidOn, dutySolidOff}, payload)
}

func TestBuildPayloadBlinkUsesBlinkDutyCycle(t *testing.T) {
	payload, _ := BuildPayload(statemachine.TargetDisplay{ColorRGB: "FFA500", Blink: true})

	assert.Equal(t, []byte{0xFF, 0xA5, 0x00, dutyBlinkOn, dutyBlinkOff}, payload)
}

func TestBuildPayloadFallsBackToBlackOnBadColor(t *testing.T) {
	payload, _ := BuildPayload(statemachine.TargetDisplay{ColorRGB: "not-hex"})

	assert.Equal(t, []byte{0x00, 0x00, 0x00, dutySolidOn, dutySolidOff}, payload)
}
