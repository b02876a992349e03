package translate

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePlaceholders(t *testing.T) {
	out, advice, err := Translate("SELECT * FROM users WHERE id = $1 AND age > $2")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE id = ? AND age > ?", out)
	assert.Equal(t, KindQuery, advice.Kind)
}

func TestTranslateCasts(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"column cast":     {"SELECT age::int4 FROM users", "SELECT CAST(age AS INTEGER) FROM users"},
		"literal cast":    {"SELECT '1'::bigint", "SELECT CAST('1' AS BIGINT)"},
		"unknown type":    {"SELECT age::widget FROM users", "SELECT age::widget FROM users"},
		"boolean to bit":  {"SELECT active::boolean FROM users", "SELECT CAST(active AS BIT) FROM users"},
		"numeric synonym": {"SELECT price::decimal FROM orders", "SELECT CAST(price AS NUMERIC) FROM orders"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			out, _, err := Translate(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.want, out)
		})
	}
}

func TestTranslateDateLiteral(t *testing.T) {
	out, _, err := Translate("SELECT * FROM events WHERE created = DATE '1970-01-01'")
	require.NoError(t, err)

	want, err := toHorolog("1970-01-01")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM events WHERE created = "+strconv.Itoa(want), out)
}

func TestTranslateVectorOperators(t *testing.T) {
	out, advice, err := Translate("SELECT * FROM items ORDER BY embedding <=> $1")
	require.NoError(t, err)
	assert.Contains(t, out, "VECTOR_COSINE(embedding, TO_VECTOR(?, DOUBLE))")
	assert.Equal(t, 1, advice.ParamCount)

	out, _, err = Translate("SELECT * FROM items ORDER BY embedding <#> $1")
	require.NoError(t, err)
	assert.Contains(t, out, "VECTOR_DOT_PRODUCT(embedding, TO_VECTOR(?, DOUBLE))")
}

func TestTranslateVectorOperatorBetweenColumns(t *testing.T) {
	out, _, err := Translate("SELECT a.embedding <=> b.embedding FROM a, b")
	require.NoError(t, err)
	assert.Contains(t, out, "VECTOR_COSINE(a.embedding, b.embedding)")
}

func TestTranslateUnsupportedL2Operator(t *testing.T) {
	_, _, err := Translate("SELECT * FROM items ORDER BY embedding <-> $1")
	require.Error(t, err)

	var unsupported *ErrUnsupportedOperator
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "<->", unsupported.Operator)
}

func TestTranslateClassification(t *testing.T) {
	tests := map[string]struct {
		in   string
		kind Kind
	}{
		"show":             {"SHOW search_path", KindShow},
		"begin":            {"BEGIN", KindTransactionControl},
		"start transaction": {"START TRANSACTION", KindTransactionControl},
		"commit":           {"commit", KindTransactionControl},
		"rollback":         {"ROLLBACK", KindTransactionControl},
		"copy from":        {"COPY users FROM STDIN", KindCopyFrom},
		"copy to":          {"COPY users TO STDOUT", KindCopyTo},
		"catalog probe":    {"SELECT * FROM pg_catalog.pg_type", KindCatalogProbe},
		"information schema": {"SELECT * FROM information_schema.tables", KindCatalogProbe},
		"plain query":      {"SELECT 1", KindQuery},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, advice, err := Translate(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.kind, advice.Kind)
		})
	}
}

func TestTranslateCopyColumns(t *testing.T) {
	_, advice, err := Translate("COPY users (name, age) FROM STDIN")
	require.NoError(t, err)
	assert.Equal(t, "users", advice.COPYTable)
	assert.Equal(t, []string{"name", "age"}, advice.COPYColumns)

	_, advice, err = Translate("COPY users FROM STDIN")
	require.NoError(t, err)
	assert.Equal(t, "users", advice.COPYTable)
	assert.Nil(t, advice.COPYColumns)
}

func TestTranslateShowName(t *testing.T) {
	_, advice, err := Translate("SHOW TimeZone")
	require.NoError(t, err)
	assert.Equal(t, "timezone", advice.ShowName)
}

func TestTranslateShowMultiWordName(t *testing.T) {
	_, advice, err := Translate("SHOW transaction isolation level")
	require.NoError(t, err)
	assert.Equal(t, KindShow, advice.Kind)
	assert.Equal(t, "transaction isolation level", advice.ShowName)
}

func TestTranslateParamCount(t *testing.T) {
	_, advice, err := Translate("SELECT * FROM users WHERE id = $1 AND age > $2")
	require.NoError(t, err)
	assert.Equal(t, 2, advice.ParamCount)

	_, advice, err = Translate("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 0, advice.ParamCount)
}

func TestTranslateColumnNames(t *testing.T) {
	_, advice, err := Translate("SELECT '42'::int AS n")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, advice.ColumnNames)

	_, advice, err = Translate("SELECT id, name FROM users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, advice.ColumnNames)

	_, advice, err = Translate("SELECT u.id, count(*) FROM users u")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", ""}, advice.ColumnNames)
}

func TestCacheHitsAndMisses(t *testing.T) {
	cache := NewCache(8, time.Minute)

	var hits, misses int
	cache.Observe(func() { hits++ }, func() { misses++ })

	_, _, err := cache.Translate("SELECT 1")
	require.NoError(t, err)
	_, _, err = cache.Translate("SELECT 1")
	require.NoError(t, err)

	gotHits, gotMisses := cache.Stats()
	assert.Equal(t, uint64(1), gotHits)
	assert.Equal(t, uint64(1), gotMisses)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	cache := NewCache(2, time.Minute)

	_, _, err := cache.Translate("SELECT 1")
	require.NoError(t, err)
	_, _, err = cache.Translate("SELECT 2")
	require.NoError(t, err)
	_, _, err = cache.Translate("SELECT 3")
	require.NoError(t, err)

	assert.Len(t, cache.entries, 2)
	_, has := cache.entries["SELECT 1"]
	assert.False(t, has, "oldest entry should have been evicted")
}

func TestCacheExpiresEntriesAfterTTL(t *testing.T) {
	cache := NewCache(8, time.Millisecond)

	_, _, err := cache.Translate("SELECT 1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	var misses int
	cache.Observe(nil, func() { misses++ })
	_, _, err = cache.Translate("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, misses)
}
