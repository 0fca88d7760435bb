package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS invoices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cnpj_emitente TEXT,
	nome_emitente TEXT,
	numero_nota TEXT,
	data_emissao TEXT,
	valor_total REAL,
	resumo_servico TEXT,
	file_path TEXT,
	source_message_id TEXT,
	processed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_invoices_processed_at ON invoices (processed_at);
CREATE TABLE IF NOT EXISTS processed_messages (
	message_id TEXT PRIMARY KEY,
	processed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);`

const selectInvoice = `SELECT id, cnpj_emitente, nome_emitente, numero_nota, data_emissao,
	valor_total, resumo_servico, file_path, source_message_id, processed_at FROM invoices`

// SQLiteRepository implements Store on the relational invoices table
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and migrates) the SQLite database at path
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating database directory: %w", ErrPersistence, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite: %w", ErrPersistence, err)
	}
	// A single writer keeps inserts strictly ordered.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating sqlite: %w", ErrPersistence, err)
	}
	return &SQLiteRepository{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return err
	}

	// Databases created before message tracking lack source_message_id.
	var n int
	row := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('invoices') WHERE name = 'source_message_id'`)
	if err := row.Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.Exec(`ALTER TABLE invoices ADD COLUMN source_message_id TEXT`); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts a record; id and processed_at come from the database, and
// processed_at never goes backwards even if the wall clock does.
func (s *SQLiteRepository) Save(ctx context.Context, schema Schema, file StoredFile, messageID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO invoices (cnpj_emitente, nome_emitente, numero_nota, data_emissao,
			valor_total, resumo_servico, file_path, source_message_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT max(strftime('%Y-%m-%dT%H:%M:%fZ', 'now'), coalesce(max(processed_at), '')) FROM invoices))
		RETURNING id, processed_at`,
		strArg(schema.CNPJEmitente), strArg(schema.NomeEmitente), strArg(schema.NumeroNota),
		strArg(schema.DataEmissao), floatArg(schema.ValorTotal), strArg(schema.ResumoServico),
		file.Path, nullable(messageID),
	)

	rec := &Record{Schema: schema, FilePath: file.Path, SourceMessageID: messageID}
	var stamp string
	if err := row.Scan(&rec.ID, &stamp); err != nil {
		return nil, fmt.Errorf("%w: inserting invoice: %w", ErrPersistence, err)
	}
	t, err := parseStamp(stamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	rec.ProcessedAt = t
	return rec, nil
}

// QueryAll returns all invoices, newest first
func (s *SQLiteRepository) QueryAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectInvoice+` ORDER BY processed_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing invoices: %w", ErrPersistence, err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing invoices: %w", ErrPersistence, err)
	}
	return records, nil
}

// Get retrieves an invoice by ID
func (s *SQLiteRepository) Get(ctx context.Context, id int64) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectInvoice+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return rec, nil
}

// IsProcessed reports whether a message id is in the ledger
func (s *SQLiteRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_messages WHERE message_id = ?`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: reading ledger: %w", ErrPersistence, err)
	}
	return n > 0, nil
}

// MarkProcessed adds a message id to the ledger
func (s *SQLiteRepository) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO processed_messages (message_id) VALUES (?)`, messageID)
	if err != nil {
		return fmt.Errorf("%w: marking %s processed: %w", ErrPersistence, messageID, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                              Record
		cnpj, nome, numero, data, resumo sql.NullString
		filePath, messageID              sql.NullString
		valor                            sql.NullFloat64
		stamp                            string
	)
	if err := row.Scan(&rec.ID, &cnpj, &nome, &numero, &data, &valor, &resumo, &filePath, &messageID, &stamp); err != nil {
		return nil, err
	}
	rec.CNPJEmitente = stringPtr(cnpj)
	rec.NomeEmitente = stringPtr(nome)
	rec.NumeroNota = stringPtr(numero)
	rec.DataEmissao = stringPtr(data)
	rec.ResumoServico = stringPtr(resumo)
	if valor.Valid {
		v := valor.Float64
		rec.ValorTotal = &v
	}
	rec.FilePath = filePath.String
	rec.SourceMessageID = messageID.String

	t, err := parseStamp(stamp)
	if err != nil {
		return nil, err
	}
	rec.ProcessedAt = t
	return &rec, nil
}

// parseStamp accepts both our millisecond stamps and SQLite's CURRENT_TIMESTAMP format
func parseStamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing processed_at %q", s)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func strArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatArg(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
