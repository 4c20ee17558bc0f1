package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	tderrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// LogicallyDropColumn marks a column as dropped without removing it from the
// schema, so readers of older partition versions still resolve it. The write
// goes through the schema compare-and-swap; a concurrent schema update
// surfaces as a retryable SCHEMA_WRITE_CONFLICT.
func (l *SQLiteLedger) LogicallyDropColumn(ctx context.Context, tableID, column string) error {
	info, err := l.getTableByID(ctx, tableID)
	if err != nil {
		return err
	}

	s, err := info.Schema()
	if err != nil {
		return err
	}
	found := false
	for i := range s.Fields {
		if s.Fields[i].Name == column {
			s.Fields[i].Dropped = true
			found = true
		}
	}
	if !found {
		return fmt.Errorf("ledger: table %s has no column %s", tableID, column)
	}

	props := info.Properties
	props.DroppedColumns = appendIfMissing(props.DroppedColumns, column)

	newJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal schema: %w", err)
	}
	return l.UpdateTableSchema(ctx, tableID, info.SchemaJSON, string(newJSON), props)
}

// RemoveLogicallyDroppedColumns physically removes all dropped columns from
// the stored schema and clears the dropped-column property. Callers must
// only do this once no live partition version references files carrying
// those columns.
func (l *SQLiteLedger) RemoveLogicallyDroppedColumns(ctx context.Context, tableID string) error {
	info, err := l.getTableByID(ctx, tableID)
	if err != nil {
		return err
	}

	s, err := info.Schema()
	if err != nil {
		return err
	}
	kept := types.Schema{Fields: s.ActiveFields()}
	if len(kept.Fields) == len(s.Fields) {
		return nil
	}

	props := info.Properties
	props.DroppedColumns = nil

	newJSON, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal schema: %w", err)
	}
	return l.UpdateTableSchema(ctx, tableID, info.SchemaJSON, string(newJSON), props)
}

// getTableByID looks a table up by its generated id.
func (l *SQLiteLedger) getTableByID(ctx context.Context, tableID string) (*TableInfo, error) {
	row := l.readDB.QueryRowContext(ctx, `
		SELECT table_id, table_namespace, table_name, table_path,
			table_schema, properties, partitions, created_at
		FROM table_info
		WHERE table_id = ?`,
		tableID)
	info, err := scanTableInfo(row)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, tderrors.NewLedgerError(tderrors.CodeUnexpected,
			fmt.Sprintf("table %s not found", tableID), nil)
	}
	return info, nil
}

func appendIfMissing(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
