package fault

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PinKind classifies the monitored line a fault was recorded on.
type PinKind int

const (
	PinUnknown PinKind = iota
	PinOutput
	PinInput
)

// String returns the label used in tables and exports.
func (k PinKind) String() string {
	switch k {
	case PinOutput:
		return "Output"
	case PinInput:
		return "Input"
	default:
		return "Unknown"
	}
}

// ParsePinKind accepts the String form case-insensitively.
func ParsePinKind(s string) (PinKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "output":
		return PinOutput, true
	case "input":
		return PinInput, true
	case "unknown":
		return PinUnknown, true
	}
	return PinUnknown, false
}

func (k PinKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PinKind) UnmarshalText(b []byte) error {
	v, ok := ParsePinKind(string(b))
	if !ok {
		return fmt.Errorf("fault: unknown pin kind %q", b)
	}
	*k = v
	return nil
}

// Timestamp is the device-reported event time. The device does not
// validate calendar days per month, so this is kept as plain fields.
type Timestamp struct {
	Year        int `json:"year"`
	Month       int `json:"month"`
	Day         int `json:"day"`
	Hour        int `json:"hour"`
	Minute      int `json:"minute"`
	Second      int `json:"second"`
	Millisecond int `json:"millisecond"`
}

// DateTime formats as DD/MM/YYYY HH:MM:SS.
func (t Timestamp) DateTime() string {
	return fmt.Sprintf("%02d/%02d/%04d %02d:%02d:%02d", t.Day, t.Month, t.Year, t.Hour, t.Minute, t.Second)
}

// DateTimeMillis formats as DD/MM/YYYY HH:MM:SS.mmm.
func (t Timestamp) DateTimeMillis() string {
	return fmt.Sprintf("%s.%03d", t.DateTime(), t.Millisecond)
}

// Record is one decoded fault event.
type Record struct {
	DeviceIndex     int       `json:"deviceIndex"`
	PinKind         PinKind   `json:"pinKind"`
	PinNumber       int       `json:"pinNumber"`
	RawPinCode      int       `json:"rawPinCode"`
	Timestamp       Timestamp `json:"timestamp"`
	DurationSeconds float64   `json:"durationSeconds"`
	RawData         string    `json:"rawData"`
}

// PinLabel is the pin kind and number, e.g. "Input 3".
func (r Record) PinLabel() string {
	if r.PinKind == PinUnknown {
		return fmt.Sprintf("Pin %d", r.RawPinCode)
	}
	return fmt.Sprintf("%s %d", r.PinKind, r.PinNumber)
}

// DurationLabel renders DurationSeconds for display.
func (r Record) DurationLabel() string {
	return FormatDuration(r.DurationSeconds)
}

// FormatDuration renders a fault duration: milliseconds below one second,
// three decimals below a minute, minutes and seconds above.
func FormatDuration(sec float64) string {
	switch {
	case sec < 1:
		return fmt.Sprintf("%d ms", int(math.Round(sec*1000)))
	case sec < 60:
		return fmt.Sprintf("%.3f sn", sec)
	default:
		mins := int(sec / 60)
		return fmt.Sprintf("%ddk %.1fsn", mins, math.Mod(sec, 60))
	}
}

// Payload layout (character offsets).
const (
	minPayload  = 22
	offPin      = 0
	offYear     = 2
	offMonth    = 4
	offDay      = 6
	offHour     = 8
	offMinute   = 10
	offSecond   = 12
	offMilli    = 14
	offDurWhole = 17
	offDurMilli = 19
)

// Decode parses one fetch response. An optional "<index>:" prefix is
// discarded, as is anything after a second colon; the caller knows which
// index it asked for. DeviceIndex is
// left zero for the caller to fill.
func Decode(raw string) (Record, error) {
	data := strings.TrimSpace(raw)
	payload := data
	if parts := strings.Split(data, ":"); len(parts) > 1 {
		payload = parts[1]
	}
	if len(payload) < minPayload {
		return Record{}, fmt.Errorf("%w: %d < %d chars", ErrTooShort, len(payload), minPayload)
	}

	pin, err := strconv.ParseUint(payload[offPin:offPin+2], 16, 8)
	if err != nil {
		return Record{}, fmt.Errorf("%w: pin %q", ErrMalformedField, payload[offPin:offPin+2])
	}

	var fields [9]int
	spans := [9][2]int{
		{offYear, 2}, {offMonth, 2}, {offDay, 2}, {offHour, 2}, {offMinute, 2},
		{offSecond, 2}, {offMilli, 3}, {offDurWhole, 2}, {offDurMilli, 3},
	}
	for i, sp := range spans {
		s := payload[sp[0] : sp[0]+sp[1]]
		v, ok := parseDigits(s)
		if !ok {
			return Record{}, fmt.Errorf("%w: %q at offset %d", ErrMalformedField, s, sp[0])
		}
		fields[i] = v
	}

	ts := Timestamp{
		Year:        2000 + fields[0],
		Month:       fields[1],
		Day:         fields[2],
		Hour:        fields[3],
		Minute:      fields[4],
		Second:      fields[5],
		Millisecond: fields[6],
	}
	if err := ts.validate(); err != nil {
		return Record{}, err
	}

	rec := Record{
		RawPinCode:      int(pin),
		Timestamp:       ts,
		DurationSeconds: float64(fields[7]) + float64(fields[8])/1000,
		RawData:         data,
	}
	rec.PinKind, rec.PinNumber = remapPin(rec.RawPinCode)
	return rec, nil
}

func (t Timestamp) validate() error {
	switch {
	case t.Month < 1 || t.Month > 12:
		return fmt.Errorf("%w: month %d", ErrInvalidCalendarField, t.Month)
	case t.Day < 1 || t.Day > 31:
		return fmt.Errorf("%w: day %d", ErrInvalidCalendarField, t.Day)
	case t.Hour > 23:
		return fmt.Errorf("%w: hour %d", ErrInvalidCalendarField, t.Hour)
	case t.Minute > 59:
		return fmt.Errorf("%w: minute %d", ErrInvalidCalendarField, t.Minute)
	case t.Second > 59:
		return fmt.Errorf("%w: second %d", ErrInvalidCalendarField, t.Second)
	}
	return nil
}

func parseDigits(s string) (int, bool) {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, len(s) > 0
}

// remapPin maps the device pin code: 1-8 outputs, 9-16 inputs 1-8.
func remapPin(code int) (PinKind, int) {
	switch {
	case code >= 1 && code <= 8:
		return PinOutput, code
	case code >= 9 && code <= 16:
		return PinInput, code - 8
	default:
		return PinUnknown, code
	}
}
