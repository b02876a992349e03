package executor

import (
	"context"
	"fmt"
	"sync"
)

// MemoryExecutor is a reference Executor implementation backed by a handful
// of in-memory tables. It exists to exercise the pgwire frontend end-to-end
// in tests and examples without a live IRIS connection.
type MemoryExecutor struct {
	mu     sync.Mutex
	tables map[string][][]any
	cols   map[string][]ColumnInfo
}

// NewMemoryExecutor constructs an empty MemoryExecutor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		tables: map[string][][]any{},
		cols:   map[string][]ColumnInfo{},
	}
}

// DefineTable registers a named table with fixed columns and seed rows.
// Execute returns its rows when the sql string passed to it equals name.
func (m *MemoryExecutor) DefineTable(name string, columns []ColumnInfo, rows [][]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cols[name] = columns
	m.tables[name] = rows
}

// Execute looks up sql as a table name. This is intentionally trivial: real
// translation/execution happens in internal/translate and the IRIS-backed
// executor; this implementation only needs to prove the frontend's
// plumbing works.
func (m *MemoryExecutor) Execute(ctx context.Context, sql string, params []any) (ResultStream, CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, has := m.tables[sql]
	if !has {
		return nil, "", fmt.Errorf("memory executor: unknown table %q", sql)
	}

	return NewStaticResultStream(m.cols[sql], rows), CommandTag(fmt.Sprintf("SELECT %d", len(rows))), nil
}

// Cancel is a no-op; MemoryExecutor queries never block.
func (m *MemoryExecutor) Cancel(ctx context.Context, queryID string) error {
	return nil
}

// Health always reports healthy.
func (m *MemoryExecutor) Health(ctx context.Context) error {
	return nil
}
