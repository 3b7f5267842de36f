package denon

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StateKey identifies one control facet of the receiver.
// Each key has an immutable two- to five-character wire prefix.
type StateKey uint8

// Supported state keys.
const (
	KeyPower StateKey = iota + 1
	KeySourceInput
	KeyMainVolume
	KeyMaxVolume
)

// AllStateKeys lists every key in the order status output presents them.
var AllStateKeys = []StateKey{KeyPower, KeySourceInput, KeyMainVolume, KeyMaxVolume}

// Prefix returns the wire prefix of the key.
func (k StateKey) Prefix() string {
	switch k {
	case KeyPower:
		return "PW"
	case KeySourceInput:
		return "SI"
	case KeyMainVolume:
		return "MV"
	case KeyMaxVolume:
		return "MVMAX"
	default:
		return ""
	}
}

// String returns the facet name, e.g. "MainVolume".
func (k StateKey) String() string {
	switch k {
	case KeyPower:
		return "Power"
	case KeySourceInput:
		return "SourceInput"
	case KeyMainVolume:
		return "MainVolume"
	case KeyMaxVolume:
		return "MaxVolume"
	default:
		return fmt.Sprintf("StateKey(%d)", uint8(k))
	}
}

// Slug returns the lower-case identifier used in MQTT topics and URLs.
func (k StateKey) Slug() string {
	switch k {
	case KeyPower:
		return "power"
	case KeySourceInput:
		return "source_input"
	case KeyMainVolume:
		return "main_volume"
	case KeyMaxVolume:
		return "max_volume"
	default:
		return ""
	}
}

// ValueKind returns the variant a value for this key must have.
func (k StateKey) ValueKind() ValueKind {
	switch k {
	case KeyPower:
		return KindPower
	case KeySourceInput:
		return KindSourceInput
	case KeyMainVolume, KeyMaxVolume:
		return KindInteger
	default:
		return KindUnknown
	}
}

// Valid reports whether k is one of the supported keys.
func (k StateKey) Valid() bool {
	return k >= KeyPower && k <= KeyMaxVolume
}

// ParseStateKey accepts a facet name ("MainVolume"), slug ("main_volume")
// or wire prefix ("MV"), case-insensitively.
func ParseStateKey(s string) (StateKey, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllStateKeys {
		if norm == strings.ToLower(k.String()) || norm == k.Slug() || norm == strings.ToLower(k.Prefix()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStateKey, s)
}

// PowerState is the receiver power status.
type PowerState uint8

// Power states.
const (
	PowerStandby PowerState = iota
	PowerOn
)

// String returns the wire name of the power state.
func (p PowerState) String() string {
	if p == PowerOn {
		return "ON"
	}
	return "STANDBY"
}

// SourceInput is one of the receiver's named inputs.
type SourceInput uint8

// Source inputs. SourceUnknown is produced for any name the receiver
// reports that is not in this list.
const (
	SourceUnknown SourceInput = iota
	SourcePhono
	SourceCD
	SourceTuner
	SourceDVD
	SourceBD
	SourceTV
	SourceSAT
	SourceMPlay
	SourceGame
	SourceHDRadio
	SourceNet
	SourcePandora
	SourceSiriusXM
	SourceLastFM
	SourceFlickr
	SourceIRadio
	SourceServer
	SourceFavorites
	SourceAux1
	SourceAux2
	SourceBT
	SourceUSBIPod
	SourceUSB
	SourceIPD
	SourceIRP
	SourceFVP
	SourceNetUSB
	SourceDock
)

var sourceInputNames = [...]string{
	SourceUnknown:   "UNKNOWN",
	SourcePhono:     "PHONO",
	SourceCD:        "CD",
	SourceTuner:     "TUNER",
	SourceDVD:       "DVD",
	SourceBD:        "BD",
	SourceTV:        "TV",
	SourceSAT:       "SAT",
	SourceMPlay:     "MPLAY",
	SourceGame:      "GAME",
	SourceHDRadio:   "HDRADIO",
	SourceNet:       "NET",
	SourcePandora:   "PANDORA",
	SourceSiriusXM:  "SIRIUSXM",
	SourceLastFM:    "LASTFM",
	SourceFlickr:    "FLICKR",
	SourceIRadio:    "IRADIO",
	SourceServer:    "SERVER",
	SourceFavorites: "FAVORITES",
	SourceAux1:      "AUX1",
	SourceAux2:      "AUX2",
	SourceBT:        "BT",
	SourceUSBIPod:   "USB/IPOD",
	SourceUSB:       "USB",
	SourceIPD:       "IPD",
	SourceIRP:       "IRP",
	SourceFVP:       "FVP",
	SourceNetUSB:    "NET/USB",
	SourceDock:      "DOCK",
}

// AllSourceInputs lists every named input, excluding SourceUnknown.
func AllSourceInputs() []SourceInput {
	out := make([]SourceInput, 0, len(sourceInputNames)-1)
	for i := SourcePhono; int(i) < len(sourceInputNames); i++ {
		out = append(out, i)
	}
	return out
}

// String returns the wire name of the input, e.g. "NET/USB".
func (s SourceInput) String() string {
	if int(s) < len(sourceInputNames) {
		return sourceInputNames[s]
	}
	return sourceInputNames[SourceUnknown]
}

// lookupSourceInput performs the exact, case-sensitive match used when
// decoding device reports.
func lookupSourceInput(name string) (SourceInput, bool) {
	for i := SourcePhono; int(i) < len(sourceInputNames); i++ {
		if sourceInputNames[i] == name {
			return i, true
		}
	}
	return SourceUnknown, false
}

// ParseSourceInput resolves a user supplied input name case-insensitively.
func ParseSourceInput(name string) (SourceInput, error) {
	if s, ok := lookupSourceInput(strings.ToUpper(strings.TrimSpace(name))); ok {
		return s, nil
	}
	return SourceUnknown, fmt.Errorf("%w: unknown source input %q", ErrInvalidValue, name)
}

// ValueKind tags the variant held by a StateValue.
type ValueKind uint8

// Value kinds.
const (
	KindUnknown ValueKind = iota
	KindPower
	KindSourceInput
	KindInteger
)

// StateValue is a tagged value for one state key. The zero value is
// Unknown, which the decoder never produces; Get returns it when the
// receiver did not answer in time.
//
// StateValue is comparable and safe to copy.
type StateValue struct {
	kind   ValueKind
	power  PowerState
	input  SourceInput
	number uint32
}

// Unknown is the sentinel for "no report received".
var Unknown = StateValue{}

// PowerValue wraps a power state.
func PowerValue(p PowerState) StateValue {
	return StateValue{kind: KindPower, power: p}
}

// InputValue wraps a source input.
func InputValue(s SourceInput) StateValue {
	return StateValue{kind: KindSourceInput, input: s}
}

// IntegerValue wraps a volume level.
func IntegerValue(n uint32) StateValue {
	return StateValue{kind: KindInteger, number: n}
}

// Kind returns the variant tag.
func (v StateValue) Kind() ValueKind { return v.kind }

// IsUnknown reports whether v is the Unknown sentinel.
func (v StateValue) IsUnknown() bool { return v.kind == KindUnknown }

// Power returns the power state and whether v holds one.
func (v StateValue) Power() (PowerState, bool) {
	return v.power, v.kind == KindPower
}

// Input returns the source input and whether v holds one.
func (v StateValue) Input() (SourceInput, bool) {
	return v.input, v.kind == KindSourceInput
}

// Integer returns the integer and whether v holds one.
func (v StateValue) Integer() (uint32, bool) {
	return v.number, v.kind == KindInteger
}

// String renders the value the way status output shows it.
func (v StateValue) String() string {
	switch v.kind {
	case KindPower:
		return v.power.String()
	case KindSourceInput:
		return v.input.String()
	case KindInteger:
		return strconv.FormatUint(uint64(v.number), 10)
	default:
		return "Unknown"
	}
}

// Any returns v as a plain Go value for JSON payloads: a string for power
// and inputs, a number for volumes and nil for Unknown.
func (v StateValue) Any() any {
	switch v.kind {
	case KindPower:
		return v.power.String()
	case KindSourceInput:
		return v.input.String()
	case KindInteger:
		return v.number
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v StateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// ParseValue converts user input (CLI flag, API body, MQTT command) to a
// value of the variant required by key.
//
// Power accepts ON/STANDBY (also on/off, true/false); inputs are matched
// case-insensitively; volumes must be non-negative decimal integers.
func ParseValue(key StateKey, raw string) (StateValue, error) {
	raw = strings.TrimSpace(raw)
	switch key.ValueKind() {
	case KindPower:
		switch strings.ToUpper(raw) {
		case "ON", "TRUE", "1":
			return PowerValue(PowerOn), nil
		case "STANDBY", "OFF", "FALSE", "0":
			return PowerValue(PowerStandby), nil
		}
		return Unknown, fmt.Errorf("%w: power must be ON or STANDBY, got %q", ErrInvalidValue, raw)
	case KindSourceInput:
		s, err := ParseSourceInput(raw)
		if err != nil {
			return Unknown, err
		}
		return InputValue(s), nil
	case KindInteger:
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Unknown, fmt.Errorf("%w: %s must be an unsigned integer, got %q", ErrInvalidValue, key, raw)
		}
		return IntegerValue(uint32(n)), nil
	default:
		return Unknown, fmt.Errorf("%w: %d", ErrInvalidStateKey, uint8(key))
	}
}

// ParseAny converts a decoded JSON value to a StateValue for key.
// Numbers are accepted for volumes, strings and booleans for power.
func ParseAny(key StateKey, raw any) (StateValue, error) {
	switch v := raw.(type) {
	case string:
		return ParseValue(key, v)
	case bool:
		if key != KeyPower {
			return Unknown, fmt.Errorf("%w: %s does not accept a boolean", ErrInvalidValue, key)
		}
		if v {
			return PowerValue(PowerOn), nil
		}
		return PowerValue(PowerStandby), nil
	case float64:
		if key.ValueKind() != KindInteger || v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
			return Unknown, fmt.Errorf("%w: %s does not accept %v", ErrInvalidValue, key, v)
		}
		return IntegerValue(uint32(v)), nil
	default:
		return Unknown, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, raw)
	}
}

// ClampVolume limits a volume value to limit. Other variants and a zero
// limit pass through unchanged.
func ClampVolume(v StateValue, limit uint32) StateValue {
	if n, ok := v.Integer(); ok && limit > 0 && n > limit {
		return IntegerValue(limit)
	}
	return v
}
