package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawEvent is an inbound alert payload as decoded from JSON, before
// normalization. Field names vary between telemetry servers, so the
// canonical fields are looked up through a list of aliases.
type RawEvent map[string]any

var (
	idAliases        = []string{"id", "alarmId", "guid"}
	deviceAliases    = []string{"deviceId", "devIdno", "vehicleId"}
	typeAliases      = []string{"alertType", "type", "alarmType"}
	timestampAliases = []string{"timestamp", "time", "alarmTime"}
	driverAliases    = []string{"driverId", "driver"}
	priorityAliases  = []string{"priority"}
)

// consumed lists every key that maps onto a canonical field. The rest of the
// object is carried in the payload.
var consumed = func() map[string]bool {
	m := make(map[string]bool)
	for _, list := range [][]string{idAliases, deviceAliases, typeAliases, timestampAliases, driverAliases, priorityAliases} {
		for _, k := range list {
			m[k] = true
		}
	}
	return m
}()

// ParseRawEvents decodes a JSON object or an array of objects.
func ParseRawEvents(data []byte) ([]RawEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []RawEvent
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return list, nil
	}
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return []RawEvent{raw}, nil
}

// Normalize converts the raw payload into a canonical AlertEvent.
// Missing priority defaults to medium and a missing driver falls back to the
// device. Fields that are not part of the canonical shape are kept in Payload.
func (r RawEvent) Normalize() (AlertEvent, error) {
	var ev AlertEvent

	ev.ID = r.str(idAliases)
	if ev.ID == "" {
		return ev, malformed("id", "is required")
	}
	ev.DeviceID = r.str(deviceAliases)
	if ev.DeviceID == "" {
		return ev, malformed("deviceId", "is required")
	}
	if t := r.str(typeAliases); t != "" {
		ev.AlertType = NormalizeAlertType(t)
	}
	if ev.AlertType == "" {
		return ev, malformed("alertType", "is required")
	}

	tsVal, ok := r.lookup(timestampAliases)
	if !ok {
		return ev, malformed("timestamp", "is required")
	}
	ts, err := ParseTimestamp(tsVal)
	if err != nil {
		return ev, malformed("timestamp", err.Error())
	}
	ev.Timestamp = ts

	ev.Priority = PriorityMedium
	if p := strings.ToLower(r.str(priorityAliases)); p != "" {
		ev.Priority = Priority(p)
		if !ev.Priority.IsValid() {
			return ev, malformed("priority", fmt.Sprintf("unknown value %q", p))
		}
	}

	ev.DriverID = r.str(driverAliases)
	if ev.DriverID == "" {
		ev.DriverID = ev.DeviceID
	}

	payload := make(map[string]any)
	if nested, ok := r["payload"].(map[string]any); ok {
		for k, v := range nested {
			payload[k] = v
		}
	}
	for k, v := range r {
		if consumed[k] || k == "payload" {
			continue
		}
		payload[k] = v
	}
	if len(payload) > 0 {
		ev.Payload = payload
	}

	return ev, nil
}

func (r RawEvent) lookup(keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r RawEvent) str(keys []string) string {
	v, ok := r.lookup(keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// ParseTimestamp accepts RFC3339 strings, numeric strings, and JSON numbers.
// Numeric values are unix seconds, or milliseconds when greater than 1e12.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("is empty")
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q", s)
		}
		return fromUnix(n)
	case float64:
		return fromUnix(t)
	case int64:
		return fromUnix(float64(t))
	case int:
		return fromUnix(float64(t))
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q", t.String())
		}
		return fromUnix(n)
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("is zero")
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

// maxUnixMillis is 9999-12-31T23:59:59.999Z.
const maxUnixMillis = 253402300799999

func fromUnix(n float64) (time.Time, error) {
	if n <= 0 || n > maxUnixMillis || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("out of range")
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
