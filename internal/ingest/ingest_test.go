package ingest

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/ingest/spool"
)

func TestParseExtractsNormalizedFields(t *testing.T) {
	body := []byte(`{"dev_eui":"aabbccddeeff0011","f_cnt":42,"f_port":2,"data":"AQ==","device_type":"motion-sensor","rssi":-80.5,"snr":7.2,"gateway_eui":"1122334455667788"}`)

	up, err := parse(body)
	require.NoError(t, err)

	assert.Equal(t, "AABBCCDDEEFF0011", up.DeviceEUI)
	assert.Equal(t, "motion-sensor", up.DeviceType)
	assert.EqualValues(t, 42, up.FCnt)
	assert.Equal(t, 2, up.Port)
	assert.Equal(t, []byte{0x01}, up.Payload)
	require.NotNil(t, up.RSSI)
	assert.InDelta(t, -80.5, float64(*up.RSSI), 0.001)
	require.NotNil(t, up.SNR)
	assert.InDelta(t, 7.2, float64(*up.SNR), 0.001)
	assert.Equal(t, "1122334455667788", up.GatewayEUI)
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	_, err := parse([]byte(`{"dev_eui":"AABB"}`))
	assert.Error(t, err)
}

func TestParseRejectsInvalidBase64Data(t *testing.T) {
	_, err := parse([]byte(`{"dev_eui":"AABB","f_cnt":1,"f_port":2,"data":"not-base64!!"}`))
	assert.Error(t, err)
}

func TestDecodeBase64StandardEncoding(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	out, err := decodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
}

func TestDecodeBase64RawURLEncoding(t *testing.T) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	out, err := decodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
}

func TestDecodeBase64EmptyStringIsNil(t *testing.T) {
	out, err := decodeBase64("")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRawRequestFromEnvelopeRecoversHeaderFields(t *testing.T) {
	env := spool.Envelope{
		Headers: map[string]string{
			HeaderSignature: "deadbeef",
			HeaderTimestamp: "1700000000",
			HeaderNonce:     "abc123",
		},
		Body:       []byte(`{"dev_eui":"AABB"}`),
		SourceIP:   "203.0.113.5",
		TenantHint: "acme",
	}

	req := rawRequestFromEnvelope(env)

	assert.Equal(t, "deadbeef", req.SignatureHex)
	assert.Equal(t, "abc123", req.Nonce)
	assert.Equal(t, "acme", req.TenantHint)
	assert.Equal(t, "203.0.113.5", req.SourceIP)
	assert.EqualValues(t, 1700000000, req.Timestamp.Unix())
}

func TestIsStorageFaultTrueForDatabaseAndUnavailable(t *testing.T) {
	assert.True(t, isStorageFault(errors.DatabaseError("insert", assert.AnError)))
	assert.True(t, isStorageFault(errors.Unavailable("down", assert.AnError)))
	assert.True(t, isStorageFault(assert.AnError))
}

func TestIsStorageFaultFalseForPermanentRejections(t *testing.T) {
	assert.False(t, isStorageFault(errors.MalformedPayload("bad body")))
	assert.False(t, isStorageFault(errors.NonceReplay("n1")))
}
