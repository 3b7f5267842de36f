package denon

import (
	"fmt"
	"strconv"
	"strings"
)

// lineTerminator ends every command and every report on the wire.
const lineTerminator = '\r'

// volumeScaleThreshold is the bound below which a reported volume is in
// whole-dB steps and is scaled by volumeScaleFactor to tenths.
const (
	volumeScaleThreshold = 100
	volumeScaleFactor    = 10
)

// Operation selects the command form produced by Encode.
type Operation uint8

// Supported operations.
const (
	// OpQuery asks the receiver to report the current value: "<prefix>?\r".
	OpQuery Operation = iota
	// OpSet changes a value: "<prefix><value>\r".
	OpSet
)

// String returns "query" or "set".
func (o Operation) String() string {
	if o == OpSet {
		return "set"
	}
	return "query"
}

// decodeOrder lists keys longest prefix first so that "MVMAX" is never
// mistaken for a main volume report.
var decodeOrder = []StateKey{KeyMaxVolume, KeyMainVolume, KeyPower, KeySourceInput}

// Encode renders a command for key. For OpQuery the value is ignored.
// For OpSet the value must hold the variant key requires.
func Encode(key StateKey, value StateValue, op Operation) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStateKey, uint8(key))
	}
	if op == OpQuery {
		return EncodeQuery(key), nil
	}
	return EncodeSet(key, value)
}

// EncodeQuery renders "<prefix>?\r".
func EncodeQuery(key StateKey) []byte {
	buf := make([]byte, 0, len(key.Prefix())+2)
	buf = append(buf, key.Prefix()...)
	buf = append(buf, '?', lineTerminator)
	return buf
}

// EncodeSet renders "<prefix><value>\r".
//
// Returns:
//   - []byte: The encoded command including the terminator
//   - error: ErrInvalidValue if value does not match the key's variant
func EncodeSet(key StateKey, value StateValue) ([]byte, error) {
	if value.Kind() != key.ValueKind() {
		return nil, fmt.Errorf("%w: %s cannot be set to %s", ErrInvalidValue, key, value)
	}
	var payload string
	switch value.Kind() {
	case KindPower:
		payload = value.power.String()
	case KindSourceInput:
		if value.input == SourceUnknown {
			return nil, fmt.Errorf("%w: cannot select an unknown source input", ErrInvalidValue)
		}
		payload = value.input.String()
	case KindInteger:
		payload = strconv.FormatUint(uint64(value.number), 10)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}

	buf := make([]byte, 0, len(key.Prefix())+len(payload)+1)
	buf = append(buf, key.Prefix()...)
	buf = append(buf, payload...)
	buf = append(buf, lineTerminator)
	return buf, nil
}

// Decode parses one report line, without its terminator, into a key and
// value. ok is false for lines that carry no recognised prefix or whose
// integer payload does not parse; such lines are dropped by callers.
func Decode(line string) (key StateKey, value StateValue, ok bool) {
	line = strings.TrimSpace(line)
	for _, k := range decodeOrder {
		rest, found := strings.CutPrefix(line, k.Prefix())
		if !found {
			continue
		}
		v, ok := decodeValue(k, strings.TrimSpace(rest))
		if !ok {
			return 0, Unknown, false
		}
		return k, v, true
	}
	return 0, Unknown, false
}

func decodeValue(key StateKey, rest string) (StateValue, bool) {
	switch key.ValueKind() {
	case KindPower:
		if rest == "ON" {
			return PowerValue(PowerOn), true
		}
		return PowerValue(PowerStandby), true
	case KindSourceInput:
		s, _ := lookupSourceInput(rest)
		return InputValue(s), true
	case KindInteger:
		n, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return Unknown, false
		}
		if n < volumeScaleThreshold {
			n *= volumeScaleFactor
		}
		return IntegerValue(uint32(n)), true
	default:
		return Unknown, false
	}
}
