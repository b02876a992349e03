// Package translate rewrites PostgreSQL-dialect SQL text into the dialect
// IRIS's SQL engine accepts: positional placeholders become '?', PostgreSQL
// type casts are remapped to IRIS's CAST syntax, date literals become
// Horolog integers, and pgvector distance operators become IRIS VECTOR_*
// function calls.
package translate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind classifies a statement so the server knows which wire-level behavior
// applies (e.g. COPY needs a CopyIn response, BEGIN/COMMIT toggle
// transaction status, SHOW needs a catalog shim rather than IRIS execution).
type Kind int

const (
	KindQuery Kind = iota
	KindCopyFrom
	KindCopyTo
	KindShow
	KindTransactionControl
	KindCatalogProbe
)

// Advice carries everything the server needs to know about a translated
// statement beyond its rewritten SQL text.
type Advice struct {
	Kind        Kind
	COPYTable   string // populated for KindCopyFrom/KindCopyTo
	COPYColumns []string
	ShowName    string // populated for KindShow

	// ColumnNames holds the output column names inferred from the SELECT
	// list, in order, for statements where IRIS's result cursor won't carry
	// them itself. An empty string at a given index means inference could
	// not name that column; the caller falls back to a generic columnN name.
	ColumnNames []string

	// ParamCount is the number of distinct positional parameters ($1..$N)
	// referenced by the statement, used to size ParameterDescription.
	ParamCount int
}

// ErrUnsupportedOperator is returned when the source SQL uses a pgvector
// operator IRIS has no equivalent for.
type ErrUnsupportedOperator struct {
	Operator string
}

func (e *ErrUnsupportedOperator) Error() string {
	return fmt.Sprintf("operator %q has no IRIS equivalent", e.Operator)
}

// horologEpoch is the day IRIS's $HOROLOG date integer counts from.
var horologEpoch = time.Date(1840, time.December, 31, 0, 0, 0, 0, time.UTC)

type cacheEntry struct {
	sql    string
	advice Advice
	at     time.Time
}

// Cache is a bounded, TTL-expiring translation cache. Translating a
// statement is cheap but not free (regex-driven rewrites over the full
// statement text), and the same prepared statement is typically executed
// many times, so results are memoized by source SQL text.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	max     int
	ttl     time.Duration

	hits   uint64
	misses uint64

	onHit  func()
	onMiss func()
}

// Observe registers callbacks invoked on every cache hit/miss, in addition
// to the internal Stats() counters. Either callback may be nil.
func (c *Cache) Observe(onHit, onMiss func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHit = onHit
	c.onMiss = onMiss
}

// NewCache constructs a translation cache holding at most max entries, each
// valid for ttl before being recomputed.
func NewCache(max int, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry, max),
		max:     max,
		ttl:     ttl,
	}
}

// Translate rewrites sql for IRIS, using the cache when possible.
func (c *Cache) Translate(sql string) (string, Advice, error) {
	c.mu.Lock()
	if entry, ok := c.entries[sql]; ok && time.Since(entry.at) < c.ttl {
		c.hits++
		onHit := c.onHit
		c.mu.Unlock()
		if onHit != nil {
			onHit()
		}
		return entry.sql, entry.advice, nil
	}
	c.misses++
	onMiss := c.onMiss
	c.mu.Unlock()
	if onMiss != nil {
		onMiss()
	}

	translated, advice, err := Translate(sql)
	if err != nil {
		return "", Advice{}, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.max && c.max > 0 {
		if len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[sql] = cacheEntry{sql: translated, advice: advice, at: time.Now()}
	c.order = append(c.order, sql)
	c.mu.Unlock()

	return translated, advice, nil
}

// Stats reports cache hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// castTypeNames lists every right-hand-side type name castRE recognizes,
// matched case-insensitively. Anchoring the alternation to these exact names
// (rather than a generic word-run) keeps the match from swallowing whatever
// SQL happens to follow the cast, e.g. "age::int4 FROM users".
const castTypeNames = `text|varchar|int4|integer|int8|bigint|int2|smallint|float4|float8|double precision|numeric|decimal|boolean|bool|date|timestamp|uuid|json|jsonb|int`

// vectorOperand matches a single operand of a pgvector distance operator: a
// positional placeholder or a (possibly qualified) identifier.
const vectorOperand = `\$\d+|[A-Za-z_][A-Za-z0-9_.]*`

var (
	placeholderRE   = regexp.MustCompile(`\$(\d+)`)
	castRE          = regexp.MustCompile(`(?i)(\$?\w+(?:\.\w+)?|\([^()]*\)|'[^']*')\s*::\s*(` + castTypeNames + `)\b`)
	dateLiteralRE   = regexp.MustCompile(`DATE\s*'(\d{4}-\d{2}-\d{2})'`)
	cosineOpRE      = regexp.MustCompile(`(?i)(` + vectorOperand + `)\s*<=>\s*(` + vectorOperand + `)`)
	dotOpRE         = regexp.MustCompile(`(?i)(` + vectorOperand + `)\s*<#>\s*(` + vectorOperand + `)`)
	l2OpRE          = regexp.MustCompile(`<->`)
	placeholderOnly = regexp.MustCompile(`^\$\d+$`)
	showRE          = regexp.MustCompile(`(?i)^\s*SHOW\s+([A-Za-z_][A-Za-z0-9_ ]*?)\s*;?\s*$`)
	aliasRE         = regexp.MustCompile(`(?i)\bAS\s+("[^"]+"|[A-Za-z_][A-Za-z0-9_]*)\s*$`)
	bareIdentRE     = regexp.MustCompile(`(?i)^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	beginRE         = regexp.MustCompile(`(?i)^\s*(BEGIN|START\s+TRANSACTION|COMMIT|ROLLBACK)\b`)
	copyFromRE      = regexp.MustCompile(`(?i)^\s*COPY\s+([A-Za-z_][A-Za-z0-9_.]*)\s*(?:\(([^)]*)\))?\s+FROM\s+STDIN`)
	copyToRE        = regexp.MustCompile(`(?i)^\s*COPY\s+([A-Za-z_][A-Za-z0-9_.]*)\s*(?:\(([^)]*)\))?\s+TO\s+STDOUT`)
	pgCatalogRE     = regexp.MustCompile(`(?i)pg_catalog\.|pg_(type|class|namespace|attribute|proc)\b|information_schema\.`)

	// castMap rewrites a PostgreSQL type name (the right-hand side of ::) to
	// the IRIS type name used inside CAST(... AS <type>).
	castMap = map[string]string{
		"text":             "VARCHAR",
		"varchar":          "VARCHAR",
		"int":              "INTEGER",
		"int4":             "INTEGER",
		"integer":          "INTEGER",
		"int8":             "BIGINT",
		"bigint":           "BIGINT",
		"int2":             "SMALLINT",
		"smallint":         "SMALLINT",
		"float4":           "DOUBLE",
		"float8":           "DOUBLE",
		"double precision": "DOUBLE",
		"numeric":          "NUMERIC",
		"decimal":          "NUMERIC",
		"boolean":          "BIT",
		"bool":             "BIT",
		"date":             "DATE",
		"timestamp":        "TIMESTAMP",
		"uuid":             "VARCHAR",
		"json":             "VARCHAR",
		"jsonb":            "VARCHAR",
	}
)

// Translate rewrites a single PostgreSQL statement into its IRIS equivalent,
// classifying it along the way.
func Translate(sql string) (string, Advice, error) {
	trimmed := strings.TrimSpace(sql)

	if m := showRE.FindStringSubmatch(trimmed); m != nil {
		name := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
		return trimmed, Advice{Kind: KindShow, ShowName: name}, nil
	}

	if beginRE.MatchString(trimmed) {
		return trimmed, Advice{Kind: KindTransactionControl}, nil
	}

	if m := copyFromRE.FindStringSubmatch(trimmed); m != nil {
		return trimmed, Advice{Kind: KindCopyFrom, COPYTable: m[1], COPYColumns: splitColumns(m[2])}, nil
	}

	if m := copyToRE.FindStringSubmatch(trimmed); m != nil {
		return trimmed, Advice{Kind: KindCopyTo, COPYTable: m[1], COPYColumns: splitColumns(m[2])}, nil
	}

	advice := Advice{Kind: KindQuery}
	if pgCatalogRE.MatchString(trimmed) {
		advice.Kind = KindCatalogProbe
	}

	if l2OpRE.MatchString(trimmed) {
		return "", advice, &ErrUnsupportedOperator{Operator: "<->"}
	}

	advice.ParamCount = countParams(trimmed)

	out := trimmed
	out = rewriteVectorOp(out, cosineOpRE, "VECTOR_COSINE")
	out = rewriteVectorOp(out, dotOpRE, "VECTOR_DOT_PRODUCT")

	out = castRE.ReplaceAllStringFunc(out, func(match string) string {
		parts := castRE.FindStringSubmatch(match)
		expr, name := parts[1], strings.ToLower(strings.TrimSpace(parts[2]))
		if irisType, ok := castMap[name]; ok {
			return "CAST(" + expr + " AS " + irisType + ")"
		}
		return match
	})

	out = dateLiteralRE.ReplaceAllStringFunc(out, func(match string) string {
		m := dateLiteralRE.FindStringSubmatch(match)
		horolog, err := toHorolog(m[1])
		if err != nil {
			return match
		}
		return strconv.Itoa(horolog)
	})

	advice.ColumnNames = inferColumnNames(out)

	out = placeholderRE.ReplaceAllString(out, "?")

	return out, advice, nil
}

// rewriteVectorOp turns an infix pgvector distance comparison "lhs <op> rhs"
// into IRIS's function-call form "FN(lhs, rhs)". A placeholder operand is
// wrapped in TO_VECTOR(?, DOUBLE) so IRIS knows to parse the bound text as a
// vector rather than a scalar.
func rewriteVectorOp(sql string, re *regexp.Regexp, fn string) string {
	return re.ReplaceAllStringFunc(sql, func(match string) string {
		parts := re.FindStringSubmatch(match)
		lhs, rhs := vectorOperandArg(parts[1]), vectorOperandArg(parts[2])
		return fn + "(" + lhs + ", " + rhs + ")"
	})
}

func vectorOperandArg(operand string) string {
	if placeholderOnly.MatchString(operand) {
		return "TO_VECTOR(?, DOUBLE)"
	}
	return operand
}

// countParams returns the number of distinct positional parameters ($1..$N)
// referenced in sql, assuming contiguous numbering as PostgreSQL drivers emit.
func countParams(sql string) int {
	max := 0
	for _, m := range placeholderRE.FindAllStringSubmatch(sql, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > max {
			max = n
		}
	}
	return max
}

// inferColumnNames parses a SELECT statement's output list with a tolerant
// tokenizer, extracting "expr AS alias" and bare column names. An empty
// string at a given index means the expression's name could not be inferred
// (e.g. a function call or arithmetic expression with no alias); the caller
// substitutes a generic columnN name for those.
func inferColumnNames(sql string) []string {
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(strings.TrimSpace(upper), "SELECT") {
		return nil
	}

	start := strings.Index(upper, "SELECT") + len("SELECT")
	end := topLevelKeywordIndex(sql, start)
	if end < 0 {
		end = len(sql)
	}

	items := splitTopLevel(sql[start:end], ',')
	if len(items) == 0 {
		return nil
	}

	names := make([]string, len(items))
	for i, item := range items {
		item = strings.TrimSpace(item)
		if m := aliasRE.FindStringSubmatch(item); m != nil {
			names[i] = strings.Trim(m[1], `"`)
			continue
		}
		if bareIdentRE.MatchString(item) {
			parts := strings.Split(item, ".")
			names[i] = parts[len(parts)-1]
		}
	}
	return names
}

// topLevelKeywordIndex returns the byte offset (relative to sql) of the first
// top-level FROM keyword at or after from, or -1 if there is none.
func topLevelKeywordIndex(sql string, from int) int {
	depth := 0
	inQuote := false
	upper := strings.ToUpper(sql)
	for i := from; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && matchesKeyword(upper, i, "FROM"):
			return i
		}
	}
	return -1
}

func matchesKeyword(upper string, i int, keyword string) bool {
	if i+len(keyword) > len(upper) || upper[i:i+len(keyword)] != keyword {
		return false
	}
	if i > 0 && !isBoundary(upper[i-1]) {
		return false
	}
	end := i + len(keyword)
	if end < len(upper) && !isBoundary(upper[end]) {
		return false
	}
	return true
}

func isBoundary(b byte) bool {
	return !(b == '_' || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9'))
}

// splitTopLevel splits s on sep, ignoring occurrences inside parentheses or
// single-quoted strings.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	inQuote := false
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[last:i])
			last = i + 1
		}
	}
	if last <= len(s) {
		out = append(out, s[last:])
	}
	return out
}

func toHorolog(ymd string) (int, error) {
	t, err := time.Parse("2006-01-02", ymd)
	if err != nil {
		return 0, err
	}

	days := int(t.Sub(horologEpoch).Hours() / 24)
	return days, nil
}

func splitColumns(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
