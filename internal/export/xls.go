package export

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
)

// SheetMeta fills the workbook document properties. Empty fields fall back
// to defaults; a zero Created omits the element.
type SheetMeta struct {
	Title   string
	Author  string
	Company string
	Created time.Time
}

func (m SheetMeta) withDefaults() SheetMeta {
	if m.Title == "" {
		m.Title = "TEİAŞ EKLİM Arıza Kayıtları"
	}
	if m.Author == "" {
		m.Author = "TEİAŞ EKLİM Sistemi"
	}
	if m.Company == "" {
		m.Company = "TEİAŞ"
	}
	return m
}

const sheetName = "Arıza Kayıtları"

var xmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	"&", "&amp;",
	"'", "&apos;",
	`"`, "&quot;",
)

const workbookHead = `<?xml version="1.0" encoding="UTF-8"?>
<Workbook xmlns="urn:schemas-microsoft-com:office:spreadsheet"
 xmlns:o="urn:schemas-microsoft-com:office:office"
 xmlns:x="urn:schemas-microsoft-com:office:excel"
 xmlns:ss="urn:schemas-microsoft-com:office:spreadsheet"
 xmlns:html="https://www.w3.org/TR/REC-html40">
`

const workbookStyles = `<Styles>
<Style ss:ID="Header">
<Font ss:FontName="Calibri" ss:Size="11" ss:Color="#FFFFFF" ss:Bold="1"/>
<Interior ss:Color="#4F81BD" ss:Pattern="Solid"/>
<Borders>
<Border ss:Position="Bottom" ss:LineStyle="Continuous" ss:Weight="1"/>
<Border ss:Position="Left" ss:LineStyle="Continuous" ss:Weight="1"/>
<Border ss:Position="Right" ss:LineStyle="Continuous" ss:Weight="1"/>
<Border ss:Position="Top" ss:LineStyle="Continuous" ss:Weight="1"/>
</Borders>
</Style>
<Style ss:ID="Output">
<Font ss:FontName="Calibri" ss:Size="11" ss:Color="#006100"/>
<Interior ss:Color="#C6EFCE" ss:Pattern="Solid"/>
</Style>
<Style ss:ID="Input">
<Font ss:FontName="Calibri" ss:Size="11" ss:Color="#0F1494"/>
<Interior ss:Color="#B7DEE8" ss:Pattern="Solid"/>
</Style>
</Styles>
`

var (
	sheetHeader  = []string{colSeq, colIndex, colPin, colKind, colTime, colDuration, colSeconds, colRaw}
	columnWidths = []int{50, 60, 70, 100, 160, 100, 80, 150}
)

// WriteSpreadsheet writes recs as an XML spreadsheet workbook with a BOM.
// Columns are the CSV columns without the pin label. Output rows and input
// rows get different styles.
func WriteSpreadsheet(w io.Writer, recs []fault.Record, meta SheetMeta) error {
	meta = meta.withDefaults()
	sw := newStickyWriter(w)

	sw.str(BOM)
	sw.str(workbookHead)

	sw.str(`<DocumentProperties xmlns="urn:schemas-microsoft-com:office:office">` + "\n")
	element(sw, "Title", meta.Title)
	element(sw, "Author", meta.Author)
	if !meta.Created.IsZero() {
		element(sw, "Created", meta.Created.UTC().Format(time.RFC3339))
	}
	element(sw, "Company", meta.Company)
	sw.str("</DocumentProperties>\n")

	sw.str(workbookStyles)

	sw.str(`<Worksheet ss:Name="` + xmlEscaper.Replace(sheetName) + `">` + "\n")
	sw.str(`<Table ss:ExpandedColumnCount="` + strconv.Itoa(len(sheetHeader)) +
		`" ss:ExpandedRowCount="` + strconv.Itoa(len(recs)+1) +
		`" x:FullColumns="1" x:FullRows="1">` + "\n")
	for _, width := range columnWidths {
		sw.str(`<Column ss:AutoFitWidth="0" ss:Width="` + strconv.Itoa(width) + `"/>` + "\n")
	}

	sw.str(`<Row ss:StyleID="Header">` + "\n")
	for _, h := range sheetHeader {
		cell(sw, "String", h)
	}
	sw.str("</Row>\n")

	for i, r := range recs {
		v := rowOf(i+1, r)
		style := "Input"
		if v.output {
			style = "Output"
		}
		sw.str(`<Row ss:StyleID="` + style + `">` + "\n")
		cell(sw, "Number", v.seq)
		cell(sw, "String", v.index)
		cell(sw, "Number", v.pin)
		cell(sw, "String", v.kind)
		cell(sw, "String", v.time)
		cell(sw, "String", v.duration)
		cell(sw, "Number", v.seconds)
		cell(sw, "String", v.raw)
		sw.str("</Row>\n")
	}

	sw.str("</Table>\n</Worksheet>\n</Workbook>")
	return errors.Wrap(sw.flush(), "export: write spreadsheet")
}

func element(sw *stickyWriter, name, text string) {
	sw.str("<" + name + ">" + xmlEscaper.Replace(text) + "</" + name + ">\n")
}

func cell(sw *stickyWriter, typ, text string) {
	sw.str(`<Cell><Data ss:Type="` + typ + `">` + xmlEscaper.Replace(text) + "</Data></Cell>\n")
}
