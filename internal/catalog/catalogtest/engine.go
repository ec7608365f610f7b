// Package catalogtest provides an in-memory query engine for exercising catalog code
// without a real query service.
package catalogtest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"vault-ingest/internal/catalog"
)

var (
	createRe = regexp.MustCompile("(?s)^CREATE EXTERNAL TABLE IF NOT EXISTS `([^`]+)` \\((.*?)\\)\nPARTITIONED BY.*LOCATION '([^']*)'")
	columnRe = regexp.MustCompile("`([^`]+)` (\\w+)")
	dropRe   = regexp.MustCompile("^DROP TABLE IF EXISTS `([^`]+)`")
	renameRe = regexp.MustCompile("^ALTER TABLE `([^`]+)` RENAME TO `([^`]+)`")
	repairRe = regexp.MustCompile("^MSCK REPAIR TABLE `([^`]+)`")
	insertRe = regexp.MustCompile(`^INSERT INTO "([^"]+)" SELECT .* FROM "([^"]+)"$`)
)

// Table is a table known to the engine.
type Table struct {
	Schema   catalog.TableSchema
	Location string
}

type execution struct {
	statement string
	polls     int
	state     catalog.State
	reason    string
}

// Engine implements catalog.Executor, catalog.Stopper and catalog.TableReader. Statements
// take effect when they reach SUCCEEDED.
type Engine struct {
	mu         sync.Mutex
	tables     map[string]Table
	executions map[string]*execution
	statements []string
	stopped    []string
	seq        int

	// PendingPolls is how many status polls answer SUBMITTED before a statement finishes.
	PendingPolls int
	// Fail decides the outcome of a statement. A zero State lets it run normally.
	Fail func(statement string) (catalog.State, string)
	// Hang keeps matching statements SUBMITTED forever.
	Hang func(statement string) bool
	// GetTableErr, when set, is returned by every GetTable call.
	GetTableErr error
}

func NewEngine() *Engine {
	return &Engine{
		tables:     make(map[string]Table),
		executions: make(map[string]*execution),
	}
}

// AddTable registers an existing table.
func (e *Engine) AddTable(name string, schema catalog.TableSchema, location string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[name] = Table{Schema: schema, Location: location}
}

// Table returns the table registered under name.
func (e *Engine) Table(name string) (Table, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[name]
	return t, ok
}

// TableCount returns the number of tables currently defined.
func (e *Engine) TableCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tables)
}

// Statements returns every submitted statement in order.
func (e *Engine) Statements() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.statements...)
}

// Stopped returns the ids of executions stopped through Stop.
func (e *Engine) Stopped() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stopped...)
}

func (e *Engine) Start(ctx context.Context, statement string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := fmt.Sprintf("exec-%04d", e.seq)
	e.statements = append(e.statements, statement)
	e.executions[id] = &execution{statement: statement, state: catalog.StateSubmitted}
	return id, nil
}

func (e *Engine) Status(ctx context.Context, id string) (catalog.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.executions[id]
	if !ok {
		return catalog.Status{}, fmt.Errorf("unknown execution %s", id)
	}
	if ex.state.Terminal() {
		return catalog.Status{State: ex.state, Reason: ex.reason}, nil
	}
	if e.Hang != nil && e.Hang(ex.statement) {
		return catalog.Status{State: catalog.StateSubmitted}, nil
	}
	if ex.polls < e.PendingPolls {
		ex.polls++
		return catalog.Status{State: catalog.StateSubmitted}, nil
	}

	if e.Fail != nil {
		if state, reason := e.Fail(ex.statement); state != "" {
			ex.state, ex.reason = state, reason
			return catalog.Status{State: ex.state, Reason: ex.reason}, nil
		}
	}
	if err := e.apply(ex.statement); err != nil {
		ex.state, ex.reason = catalog.StateFailed, err.Error()
	} else {
		ex.state = catalog.StateSucceeded
	}
	return catalog.Status{State: ex.state, Reason: ex.reason}, nil
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.executions[id]
	if !ok {
		return fmt.Errorf("unknown execution %s", id)
	}
	ex.state, ex.reason = catalog.StateCancelled, "stopped"
	e.stopped = append(e.stopped, id)
	return nil
}

func (e *Engine) GetTable(ctx context.Context, name string) (*catalog.TableSchema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.GetTableErr != nil {
		return nil, e.GetTableErr
	}
	t, ok := e.tables[name]
	if !ok {
		return nil, catalog.ErrTableNotFound
	}
	schema := catalog.TableSchema{Columns: append([]catalog.Column(nil), t.Schema.Columns...)}
	return &schema, nil
}

// apply executes the side effect of a successful statement. Callers hold e.mu.
func (e *Engine) apply(statement string) error {
	switch {
	case strings.HasPrefix(statement, "CREATE DATABASE"):
		return nil

	case createRe.MatchString(statement):
		m := createRe.FindStringSubmatch(statement)
		if _, exists := e.tables[m[1]]; exists {
			return nil
		}
		var schema catalog.TableSchema
		for _, c := range columnRe.FindAllStringSubmatch(m[2], -1) {
			schema.Columns = append(schema.Columns, catalog.Column{Name: c[1], Type: c[2]})
		}
		e.tables[m[1]] = Table{Schema: schema, Location: m[3]}
		return nil

	case dropRe.MatchString(statement):
		delete(e.tables, dropRe.FindStringSubmatch(statement)[1])
		return nil

	case renameRe.MatchString(statement):
		m := renameRe.FindStringSubmatch(statement)
		t, ok := e.tables[m[1]]
		if !ok {
			return fmt.Errorf("table %s not found", m[1])
		}
		if _, exists := e.tables[m[2]]; exists {
			return fmt.Errorf("table %s already exists", m[2])
		}
		delete(e.tables, m[1])
		e.tables[m[2]] = t
		return nil

	case repairRe.MatchString(statement):
		name := repairRe.FindStringSubmatch(statement)[1]
		if _, ok := e.tables[name]; !ok {
			return fmt.Errorf("table %s not found", name)
		}
		return nil

	case insertRe.MatchString(statement):
		m := insertRe.FindStringSubmatch(statement)
		for _, name := range m[1:] {
			if _, ok := e.tables[name]; !ok {
				return fmt.Errorf("table %s not found", name)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported statement: %s", statement)
}
