package aggregate

// CreateAggregatesTableSQL creates the table the reporting query reads.
// total_spent is stored in minor units (cents).
const CreateAggregatesTableSQL = `
CREATE TABLE IF NOT EXISTS customer_aggregates (
    customer_id TEXT PRIMARY KEY,
    total_spent INTEGER NOT NULL DEFAULT 0,
    last_applied_sequence INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

// CreateAggregatesIndexesSQL supports ORDER BY total_spent DESC LIMIT n.
var CreateAggregatesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_customer_aggregates_total ON customer_aggregates(total_spent DESC)`,
}

const CreateCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS maintainer_checkpoints (
    name TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

const CreateCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS audit_cursors (
    name TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

const CreateDiscrepanciesTableSQL = `
CREATE TABLE IF NOT EXISTS discrepancies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id TEXT NOT NULL,
    stored INTEGER NOT NULL,
    recomputed INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    corrected INTEGER NOT NULL,
    detected_at INTEGER NOT NULL
)`

var CreateDiscrepanciesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_discrepancies_customer ON discrepancies(customer_id, detected_at)`,
}

// AllSchemaSQL returns all schema statements in dependency order.
func AllSchemaSQL() []string {
	stmts := []string{CreateAggregatesTableSQL}
	stmts = append(stmts, CreateAggregatesIndexesSQL...)
	stmts = append(stmts, CreateCheckpointsTableSQL, CreateCursorsTableSQL, CreateDiscrepanciesTableSQL)
	stmts = append(stmts, CreateDiscrepanciesIndexesSQL...)
	return stmts
}
