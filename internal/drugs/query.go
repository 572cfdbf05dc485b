package drugs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	bulletRe    = regexp.MustCompile(`^[-•]\s*`)
	parenRe     = regexp.MustCompile(`\(.*?\)`)
	formRe      = regexp.MustCompile(`(?i)\b(tablet|tablets|tab|tabs|capsule|capsules|cap|caps|syrup|susp(?:ension)?|inj(?:ection)?)\b`)
	routeRe     = regexp.MustCompile(`(?i)\b(po|od|bd|tid|qid|prn|q\d+h|iv|im|sc|sl)\b`)
	strengthRe  = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(mg|mcg|g|kg|ml|l|iu|units|%)\b`)
	digitWordRe = regexp.MustCompile(`\b\d`)
	trailingRe  = regexp.MustCompile(`[.,;:/]+$`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// ExtractQuery reduces a medication line such as "- Amoxicillin 500 mg
// capsule TID" to the drug name. It returns "" when nothing is left.
func ExtractQuery(raw string) string {
	s := bulletRe.ReplaceAllString(raw, "")
	s = parenRe.ReplaceAllString(s, "")
	s = formRe.ReplaceAllString(s, "")
	s = routeRe.ReplaceAllString(s, "")
	s = strengthRe.ReplaceAllString(s, "")
	if loc := digitWordRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	s = strings.TrimSpace(s)
	s = trailingRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var normStrip = strings.NewReplacer(" ", "", "-", "", "/", "", ".", "", ",", "", "'", "", "(", "", ")", "")

// NormalizeTerm lowercases s and drops spaces and the punctuation that
// commonly varies between spellings of one drug name.
func NormalizeTerm(s string) string {
	return normStrip.Replace(strings.ToLower(s))
}

// normExpr is the SQL twin of NormalizeTerm applied to col.
func normExpr(col string) string {
	expr := "LOWER(" + col + ")"
	for _, ch := range []string{"-", ",", "/", ".", "''", " ", "(", ")"} {
		expr = "REPLACE(" + expr + ", '" + ch + "', '')"
	}
	return expr
}

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

func quoteIdent(s string) string { return `"` + s + `"` }

// buildQuery returns the best-match statement. Arguments, in order:
// raw, rawLike, norm, normLike, norm, raw, normLike.
func buildQuery(driver, schema, table, column string) (string, error) {
	for _, id := range []string{table, column} {
		if !validIdent(id) {
			return "", fmt.Errorf("drugs: invalid identifier %q", id)
		}
	}
	from := quoteIdent(table)
	if schema != "" {
		if !validIdent(schema) {
			return "", fmt.Errorf("drugs: invalid identifier %q", schema)
		}
		from = quoteIdent(schema) + "." + from
	}
	col := quoteIdent(column)
	norm := normExpr(col)

	q := `SELECT ` + col + ` AS name FROM ` + from + `
WHERE status = 1
  AND ` + col + ` IS NOT NULL
  AND (
    LOWER(` + col + `) = LOWER(?)
    OR LOWER(` + col + `) LIKE LOWER(?)
    OR ` + norm + ` = ?
    OR ` + norm + ` LIKE ?
  )
ORDER BY
  CASE
    WHEN ` + norm + ` = ? THEN 1
    WHEN LOWER(` + col + `) = LOWER(?) THEN 2
    WHEN ` + norm + ` LIKE ? THEN 3
    ELSE 4
  END,
  ` + col + `
LIMIT 1`

	if driver == DriverPostgres {
		q = rebind(q)
	}
	return q, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func rebind(q string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
