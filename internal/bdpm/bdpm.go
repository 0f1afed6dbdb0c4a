// Package bdpm parses the public drug registry files published at
// base-donnees-publique.medicaments.gouv.fr. The files are tab-separated,
// one record per line, with no header, and are served as Latin-1 more often
// than UTF-8.
package bdpm

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// Record is one drug speciality from CIS_bdpm.txt, keyed by CIS code.
type Record struct {
	CIS         string
	Specialite  string
	Forme       string
	Voie        string
	Laboratoire string
	// ATC is absent from the registry file and filled in later from the
	// RCP document when it can be recovered.
	ATC string
}

// ParseStats counts the outcome of a file parse.
type ParseStats struct {
	Parsed  int
	Skipped int
	Blank   int
}

// fullLayoutCols is the column count of the complete CIS_bdpm.txt layout,
// where the titulaire (marketing authorization holder) sits at index 10.
const fullLayoutCols = 12

// ParseLine parses a single tab-separated registry line. The first five
// fields of the resulting record are mandatory; a line missing any of them
// is rejected.
func ParseLine(line string) (Record, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 5 {
		return Record{}, eris.Errorf("bdpm: line has %d columns, want at least 5", len(cols))
	}

	rec := Record{
		CIS:        strings.TrimSpace(cols[0]),
		Specialite: strings.TrimSpace(cols[1]),
		Forme:      strings.TrimSpace(cols[2]),
		Voie:       strings.TrimSpace(cols[3]),
	}

	// The full layout carries the titulaire at index 10; short fixtures put
	// the lab name directly in column 4.
	if len(cols) >= fullLayoutCols {
		rec.Laboratoire = strings.TrimSpace(cols[10])
	} else {
		rec.Laboratoire = strings.TrimSpace(cols[4])
	}

	switch {
	case rec.CIS == "":
		return Record{}, eris.New("bdpm: empty CIS code")
	case rec.Specialite == "":
		return Record{}, eris.Errorf("bdpm: cis %s: empty speciality name", rec.CIS)
	case rec.Forme == "":
		return Record{}, eris.Errorf("bdpm: cis %s: empty pharmaceutical form", rec.CIS)
	case rec.Voie == "":
		return Record{}, eris.Errorf("bdpm: cis %s: empty administration route", rec.CIS)
	case rec.Laboratoire == "":
		return Record{}, eris.Errorf("bdpm: cis %s: empty titulaire", rec.CIS)
	}

	return rec, nil
}

// ParseFile reads registry lines from r and returns the parsed records in
// file order. Blank lines and malformed lines are skipped and counted, not
// fatal. Later occurrences of a CIS overwrite earlier ones.
func ParseFile(r io.Reader) ([]Record, ParseStats, error) {
	log := zap.L().With(zap.String("component", "bdpm"))

	var (
		records []Record
		seen    = make(map[string]int)
		stats   ParseStats
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			stats.Blank++
			continue
		}

		rec, err := ParseLine(line)
		if err != nil {
			stats.Skipped++
			log.Warn("skipping malformed line",
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}

		if idx, ok := seen[rec.CIS]; ok {
			records[idx] = rec
			continue
		}
		seen[rec.CIS] = len(records)
		records = append(records, rec)
		stats.Parsed++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, eris.Wrap(err, "bdpm: scan registry file")
	}

	log.Info("registry file parsed",
		zap.Int("records", len(records)),
		zap.Int("skipped", stats.Skipped),
		zap.Int("blank", stats.Blank))

	return records, stats, nil
}

// DecodeReader wraps raw registry bytes in a UTF-8 reader. The registry
// files are served sometimes as Latin-1 and sometimes as UTF-8, so the
// payload is sniffed instead of trusting headers.
func DecodeReader(raw []byte) io.Reader {
	if utf8.Valid(raw) {
		return bytes.NewReader(raw)
	}
	return charmap.ISO8859_1.NewDecoder().Reader(bytes.NewReader(raw))
}

var (
	cip13Re    = regexp.MustCompile(`^\d{13}$`)
	nonDigitRe = regexp.MustCompile(`\D`)
	percentRe  = regexp.MustCompile(`\b\d{1,3}\s?%`)
	rateRe     = regexp.MustCompile(`\b(15|30|35|40|50|55|60|65|70|80|90|100)\b`)
)

// Presentation is the per-CIS outcome of parsing CIS_CIP_bdpm.txt.
type Presentation struct {
	CIP13      string
	Reimbursed bool
}

// ParseCIP parses the presentations file. The column layout of
// CIS_CIP_bdpm.txt has shifted over the years, so the CIP13 is located by
// shape (13 digits after stripping separators) rather than by position, and
// city reimbursement is detected from a rate anywhere on the line.
func ParseCIP(r io.Reader) (map[string]Presentation, error) {
	out := make(map[string]Presentation)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		cols := strings.Split(scanner.Text(), "\t")
		cis := strings.TrimSpace(cols[0])
		if cis == "" || nonDigitRe.MatchString(cis) {
			continue
		}

		pres := out[cis]
		for _, c := range cols[1:] {
			digits := nonDigitRe.ReplaceAllString(c, "")
			if cip13Re.MatchString(digits) {
				pres.CIP13 = digits
				break
			}
		}
		joined := strings.Join(cols, " ")
		if percentRe.MatchString(joined) || rateRe.MatchString(joined) {
			pres.Reimbursed = true
		}
		out[cis] = pres
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "bdpm: scan presentations file")
	}

	return out, nil
}

var multiBlankRe = regexp.MustCompile(`\n{3,}`)

// ParseCPD parses CIS_CPD_bdpm.txt into prescription and dispensing
// conditions per CIS. Multiple condition lines for the same CIS are joined
// with newlines.
func ParseCPD(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		cols := strings.Split(scanner.Text(), "\t")
		cis := strings.TrimSpace(cols[0])
		if cis == "" {
			continue
		}

		var parts []string
		for _, c := range cols[1:] {
			if t := strings.TrimSpace(c); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) == 0 {
			continue
		}
		txt := strings.Join(parts, "\n")
		if prev, ok := out[cis]; ok {
			txt = prev + "\n" + txt
		}
		out[cis] = strings.TrimSpace(multiBlankRe.ReplaceAllString(txt, "\n\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "bdpm: scan conditions file")
	}

	return out, nil
}
