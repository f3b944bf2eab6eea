package sqlite

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	recordsTable = "records"
	legacyTable  = "records_legacy"

	createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	payload TEXT NOT NULL
)`
	createTimestampIndex = `CREATE INDEX IF NOT EXISTS idx_timestamp ON records (timestamp)`
)

// ensureSchema creates the records table, or migrates a legacy table that lacks the
// id or timestamp columns. A failed migration is rolled back and the legacy table
// is left untouched.
func ensureSchema(c *Connector, log *zap.Logger) error {
	cols, err := tableColumns(c, recordsTable)
	if err != nil {
		_ = c.Rollback()
		return err
	}
	switch {
	case len(cols) == 0:
		if err := execAll(c, createRecordsTable, createTimestampIndex); err != nil {
			_ = c.Rollback()
			return fmt.Errorf("create schema: %w", err)
		}
		return c.Commit()
	case cols["id"] && cols["timestamp"] && cols["payload"]:
		if err := execAll(c, createTimestampIndex); err != nil {
			_ = c.Rollback()
			return fmt.Errorf("create index: %w", err)
		}
		return c.Commit()
	}

	log.Info("migrating legacy records table", zap.Any("columns", keys(cols)))
	if err := migrateLegacy(c, cols, time.Now().UnixMilli()); err != nil {
		_ = c.Rollback()
		log.Error("records migration failed, legacy table kept", zap.Error(err))
		return err
	}
	if err := c.Commit(); err != nil {
		_ = c.Rollback()
		return err
	}
	log.Info("legacy records table migrated")
	return nil
}

func migrateLegacy(c *Connector, cols map[string]bool, nowMs int64) error {
	payloadCol := ""
	switch {
	case cols["payload"]:
		payloadCol = "payload"
	case cols["message"]:
		payloadCol = "message"
	default:
		return fmt.Errorf("legacy records table has no payload or message column")
	}
	tsExpr := fmt.Sprintf("%d", nowMs)
	if cols["timestamp"] {
		tsExpr = "COALESCE(timestamp, " + tsExpr + ")"
	}

	return execAll(c,
		`ALTER TABLE records RENAME TO `+legacyTable,
		createRecordsTable,
		fmt.Sprintf(`INSERT INTO records (timestamp, payload)
SELECT %s, CAST(%s AS TEXT) FROM %s WHERE %s IS NOT NULL ORDER BY rowid`, tsExpr, payloadCol, legacyTable, payloadCol),
		`DROP TABLE `+legacyTable,
		createTimestampIndex,
	)
}

func tableColumns(c *Connector, table string) (map[string]bool, error) {
	rows, err := c.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func execAll(c *Connector, statements ...string) error {
	for _, s := range statements {
		if _, err := c.ExecWrite(s); err != nil {
			return err
		}
	}
	return nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
