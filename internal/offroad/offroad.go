// Package offroad decodes Offroad fixture telemetry payloads — LIVE: live
// samples and TESTF:/TESTP:/TESTR:/TESTD: multi-field responses — into typed
// values a caller can use without writing its own key-value splitter
// (SPEC_FULL §4.14). It performs no sequencing or command dispatch; it is a
// pure parse-time convenience layered on top of the Frame Codec's payload
// string, the same "thin value type, parsing lives beside it" convention as
// the gateway's own frame types.
package offroad

import (
	"strconv"
	"strings"
)

// TelemetryKind distinguishes the two recognized LIVE: shapes named in
// spec.md §6.
type TelemetryKind int

const (
	TelemetryUnknown TelemetryKind = iota
	TelemetryPSI
	TelemetryElectrical
)

// LiveTelemetry is the parsed form of an Offroad LIVE: payload
// (SPEC_FULL §3). Raw always holds the original payload, even when Kind is
// TelemetryUnknown, so callers that only forward the string never lose data.
type LiveTelemetry struct {
	Kind    TelemetryKind
	PSI     float64
	Voltage float64
	Current float64
	Raw     string
}

// ParseLive decodes a LIVE:PSI=<v> or LIVE:V=<v>,I=<i>,... payload. Unknown
// shapes return Kind == TelemetryUnknown with Raw populated.
func ParseLive(payload string) LiveTelemetry {
	lt := LiveTelemetry{Raw: payload}
	body := strings.TrimPrefix(payload, "LIVE:")

	for _, field := range strings.Split(body, ",") {
		key, val, ok := splitKV(field)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch key {
		case "PSI":
			lt.Kind = TelemetryPSI
			lt.PSI = f
		case "V":
			lt.Kind = TelemetryElectrical
			lt.Voltage = f
		case "I":
			lt.Kind = TelemetryElectrical
			lt.Current = f
		}
	}
	return lt
}

// ParseMultiField decodes a "TESTF:MAIN=12.5,1.2,2500,0.45,0.41;BACK=..."
// style payload (spec.md §6) into section -> positional field index ->
// value. Positional indices are stringified ("0", "1", ...) since the wire
// format carries no per-value field name.
func ParseMultiField(payload string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)

	body := payload
	if i := strings.IndexByte(body, ':'); i >= 0 {
		body = body[i+1:]
	}

	for _, section := range strings.Split(body, ";") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		name, values, ok := splitKV(section)
		if !ok || name == "" {
			continue
		}
		fields := make(map[string]float64)
		for i, raw := range strings.Split(values, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				continue
			}
			fields[strconv.Itoa(i)] = f
		}
		out[name] = fields
	}
	return out
}

func splitKV(s string) (key, value string, ok bool) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
