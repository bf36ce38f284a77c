package ledger

// CreateOrdersTableSQL creates the order facts table. amount is in cents.
const CreateOrdersTableSQL = `
CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount >= 0),
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateMutationsTableSQL creates the mutation log. AUTOINCREMENT keeps
// sequences strictly increasing and never reused.
const CreateMutationsTableSQL = `
CREATE TABLE IF NOT EXISTS mutations (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    order_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    old_amount INTEGER,
    old_status TEXT,
    new_amount INTEGER,
    new_status TEXT,
    committed_at INTEGER NOT NULL
)`

var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mutations_customer ON mutations(customer_id, sequence)`,
}

// AllSchemaSQL returns all schema statements in dependency order.
func AllSchemaSQL() []string {
	return append([]string{CreateOrdersTableSQL, CreateMutationsTableSQL}, CreateIndexesSQL...)
}
