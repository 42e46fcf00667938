// Package export serializes fault records into downloadable documents.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
)

// BOM is the UTF-8 byte order mark both formats start with.
const BOM = "\uFEFF"

// DefaultPrefix names exported files when no prefix is configured.
const DefaultPrefix = "teias_eklim_faults"

// Column titles shared by both formats.
const (
	colSeq      = "Sıra"
	colIndex    = "Arıza No"
	colPin      = "Pin No"
	colKind     = "Pin Tipi"
	colLabel    = "Pin Adı"
	colTime     = "Tarih-Saat"
	colDuration = "Arıza Süresi"
	colSeconds  = "Süre (sn)"
	colRaw      = "Ham Veri"
)

// row holds the exported field values of one record, already formatted.
type row struct {
	seq      string
	index    string
	pin      string
	kind     string
	label    string
	time     string
	duration string
	seconds  string
	raw      string
	output   bool
}

func rowOf(seq int, r fault.Record) row {
	return row{
		seq:      strconv.Itoa(seq),
		index:    fmt.Sprintf("%05d", r.DeviceIndex),
		pin:      strconv.Itoa(r.PinNumber),
		kind:     r.PinKind.String(),
		label:    r.PinLabel(),
		time:     r.Timestamp.DateTimeMillis(),
		duration: r.DurationLabel(),
		seconds:  strconv.FormatFloat(r.DurationSeconds, 'f', -1, 64),
		raw:      r.RawData,
		output:   r.PinKind == fault.PinOutput,
	}
}

// Filename builds "<prefix>_YYYY-MM-DD_HHMM.<ext>".
func Filename(prefix, ext string, now time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_%s.%s", prefix, now.Format("2006-01-02_1504"), ext)
}

// FilterKind returns the records of one pin kind. PinUnknown matches every
// record.
func FilterKind(recs []fault.Record, kind fault.PinKind) []fault.Record {
	if kind == fault.PinUnknown {
		return recs
	}
	out := make([]fault.Record, 0, len(recs))
	for _, r := range recs {
		if r.PinKind == kind {
			out = append(out, r)
		}
	}
	return out
}

// stickyWriter keeps the first write error so serializers can check once.
type stickyWriter struct {
	w   *bufio.Writer
	err error
}

func newStickyWriter(w io.Writer) *stickyWriter {
	return &stickyWriter{w: bufio.NewWriter(w)}
}

func (s *stickyWriter) str(v string) {
	if s.err == nil {
		_, s.err = s.w.WriteString(v)
	}
}

func (s *stickyWriter) flush() error {
	if s.err != nil {
		return s.err
	}
	return s.w.Flush()
}
