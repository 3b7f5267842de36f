package denon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeQuery(t *testing.T) {
	tests := []struct {
		key  StateKey
		want string
	}{
		{KeyPower, "PW?\r"},
		{KeySourceInput, "SI?\r"},
		{KeyMainVolume, "MV?\r"},
		{KeyMaxVolume, "MVMAX?\r"},
	}

	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			got, err := Encode(tt.key, Unknown, OpQuery)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeSet(t *testing.T) {
	tests := []struct {
		name  string
		key   StateKey
		value StateValue
		want  string
	}{
		{"power on", KeyPower, PowerValue(PowerOn), "PWON\r"},
		{"power standby", KeyPower, PowerValue(PowerStandby), "PWSTANDBY\r"},
		{"source cd", KeySourceInput, InputValue(SourceCD), "SICD\r"},
		{"source net usb", KeySourceInput, InputValue(SourceNetUSB), "SINET/USB\r"},
		{"source usb ipod", KeySourceInput, InputValue(SourceUSBIPod), "SIUSB/IPOD\r"},
		{"main volume", KeyMainVolume, IntegerValue(230), "MV230\r"},
		{"main volume zero", KeyMainVolume, IntegerValue(0), "MV0\r"},
		{"max volume", KeyMaxVolume, IntegerValue(666), "MVMAX666\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.key, tt.value, OpSet)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeSetRejectsMismatchedValue(t *testing.T) {
	tests := []struct {
		name  string
		key   StateKey
		value StateValue
	}{
		{"integer for power", KeyPower, IntegerValue(1)},
		{"power for volume", KeyMainVolume, PowerValue(PowerOn)},
		{"unknown sentinel", KeySourceInput, Unknown},
		{"unknown source input", KeySourceInput, InputValue(SourceUnknown)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.key, tt.value, OpSet)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestEncodeInvalidKey(t *testing.T) {
	_, err := Encode(StateKey(42), Unknown, OpQuery)
	assert.ErrorIs(t, err, ErrInvalidStateKey)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		line    string
		wantKey StateKey
		want    StateValue
	}{
		{"PWON", KeyPower, PowerValue(PowerOn)},
		{"PWSTANDBY", KeyPower, PowerValue(PowerStandby)},
		{"PWWHATEVER", KeyPower, PowerValue(PowerStandby)},
		{"SICD", KeySourceInput, InputValue(SourceCD)},
		{"SIDVD", KeySourceInput, InputValue(SourceDVD)},
		{"SINET/USB", KeySourceInput, InputValue(SourceNetUSB)},
		{"SIUSB/IPOD", KeySourceInput, InputValue(SourceUSBIPod)},
		{"SIFVP", KeySourceInput, InputValue(SourceFVP)},
		{"SINOTANINPUT", KeySourceInput, InputValue(SourceUnknown)},
		{"SIcd", KeySourceInput, InputValue(SourceUnknown)},
		{"MV230", KeyMainVolume, IntegerValue(230)},
		{"MV23", KeyMainVolume, IntegerValue(230)},
		{"MV0", KeyMainVolume, IntegerValue(0)},
		{"MV99", KeyMainVolume, IntegerValue(990)},
		{"MV100", KeyMainVolume, IntegerValue(100)},
		{"MVMAX666", KeyMaxVolume, IntegerValue(666)},
		{"MVMAX 86", KeyMaxVolume, IntegerValue(860)},
		{"MVMAX86", KeyMaxVolume, IntegerValue(860)},
		{" PWON", KeyPower, PowerValue(PowerOn)},
		{"\nPWON", KeyPower, PowerValue(PowerOn)},
		{"PWON ", KeyPower, PowerValue(PowerOn)},
		{"\nMV45\r", KeyMainVolume, IntegerValue(450)},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			key, value, ok := Decode(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestDecodeDropsUnparsableLines(t *testing.T) {
	for _, line := range []string{
		"",
		"ZM?",
		"MSSTEREO",
		"MVabc",
		"MV",
		"MVMAXoops",
		"MV-5",
		"pwon",
	} {
		t.Run(line, func(t *testing.T) {
			_, value, ok := Decode(line)
			assert.False(t, ok)
			assert.True(t, value.IsUnknown())
		})
	}
}

func TestDecodeNeverProducesUnknown(t *testing.T) {
	for _, line := range []string{"PW", "PWON", "SI", "SIX", "MV10", "MVMAX 1"} {
		_, value, ok := Decode(line)
		if ok {
			assert.False(t, value.IsUnknown(), "line %q", line)
		}
	}
}

func TestSourceInputsDecodeWhatTheyEncode(t *testing.T) {
	inputs := AllSourceInputs()
	require.Len(t, inputs, 28)

	for _, in := range inputs {
		cmd, err := EncodeSet(KeySourceInput, InputValue(in))
		require.NoError(t, err)

		line := string(cmd[:len(cmd)-1])
		key, value, ok := Decode(line)
		require.True(t, ok, line)
		assert.Equal(t, KeySourceInput, key)
		assert.Equal(t, InputValue(in), value, line)
	}
}

func TestEncodedVolumeAtOrAboveHundredDecodesUnchanged(t *testing.T) {
	for _, n := range []uint32{100, 230, 450, 666, 980} {
		cmd, err := EncodeSet(KeyMainVolume, IntegerValue(n))
		require.NoError(t, err)

		_, value, ok := Decode(string(cmd[:len(cmd)-1]))
		require.True(t, ok)
		assert.Equal(t, IntegerValue(n), value)
	}
}
