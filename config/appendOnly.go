package config

import (
	"errors"

	"gorm.io/gorm"
)

// ErrAppendOnly is returned for UPDATE/DELETE statements against append-only tables.
var ErrAppendOnly = errors.New("table is append-only")

// AppendOnlyTables are the audit tables guarded on every connection this process opens.
var AppendOnlyTables = []string{"approval_log_entries", "assignment_records"}

// AppendOnlyPlugin refuses updates and deletes on the configured tables.
//
// NOTE: Raw/Exec SQL bypasses gorm callbacks and is not covered.
type AppendOnlyPlugin struct {
	tables map[string]struct{}
}

func NewAppendOnlyPlugin(tables ...string) *AppendOnlyPlugin {
	p := &AppendOnlyPlugin{tables: make(map[string]struct{}, len(tables))}
	for _, t := range tables {
		p.tables[t] = struct{}{}
	}
	return p
}

func (p *AppendOnlyPlugin) Name() string { return "append_only" }

func (p *AppendOnlyPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("append_only:update", p.guard); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("append_only:delete", p.guard); err != nil {
		return err
	}
	return nil
}

func (p *AppendOnlyPlugin) guard(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if _, ok := p.tables[table]; ok {
		_ = db.AddError(ErrAppendOnly)
	}
}
