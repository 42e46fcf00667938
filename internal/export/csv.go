package export

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
)

var csvHeader = []string{colSeq, colIndex, colPin, colKind, colLabel, colTime, colDuration, colSeconds, colRaw}

// WriteCSV writes recs as a semicolon separated document with a BOM and a
// "sep=;" hint line. Every field is quoted.
func WriteCSV(w io.Writer, recs []fault.Record) error {
	sw := newStickyWriter(w)
	sw.str(BOM)
	sw.str("sep=;\n")
	writeCSVLine(sw, csvHeader)
	for i, r := range recs {
		v := rowOf(i+1, r)
		writeCSVLine(sw, []string{v.seq, v.index, v.pin, v.kind, v.label, v.time, v.duration, v.seconds, v.raw})
	}
	return errors.Wrap(sw.flush(), "export: write csv")
}

func writeCSVLine(sw *stickyWriter, fields []string) {
	for i, f := range fields {
		if i > 0 {
			sw.str(";")
		}
		sw.str(`"`)
		sw.str(strings.ReplaceAll(f, `"`, `""`))
		sw.str(`"`)
	}
	sw.str("\n")
}
