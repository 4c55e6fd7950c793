package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// identifierPattern restricts table names interpolated into the default query.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// DatabaseConfig configures the database producer.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Connections are extra named DSNs a request may select with
	// Options["connection"]. Requests never carry a DSN themselves.
	Connections map[string]string `mapstructure:"connections"`

	// AllowCustomQuery lets a request replace the default SELECT with
	// Options["query"]. Queries always run in a read-only transaction.
	AllowCustomQuery bool `mapstructure:"allow_custom_query"`

	// MaxRows stops a scan after this many rows; 0 reads everything
	MaxRows int `mapstructure:"max_rows"`
}

// DatabaseProducer emits one unit per row returned by a query.
//
// The request's target_path names the table. Options["connection"] picks a
// configured DSN and Options["query"] overrides the default SELECT * when
// the config allows it.
type DatabaseProducer struct {
	cfg DatabaseConfig
	dbs map[string]*sqlx.DB
	mu  sync.Mutex
}

// NewDatabaseProducer creates a database producer.
func NewDatabaseProducer(cfg DatabaseConfig) *DatabaseProducer {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	return &DatabaseProducer{cfg: cfg, dbs: make(map[string]*sqlx.DB)}
}

// NewDatabaseProducerWithDB creates a producer bound to an open handle.
func NewDatabaseProducerWithDB(db *sqlx.DB) *DatabaseProducer {
	p := NewDatabaseProducer(DatabaseConfig{Driver: db.DriverName()})
	p.dbs[""] = db

	return p
}

// open returns the handle for a connection name; "" is the default DSN.
func (p *DatabaseProducer) open(name string) (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[name]; ok {
		return db, nil
	}

	dsn := p.cfg.DSN
	if name != "" {
		var ok bool
		if dsn, ok = p.cfg.Connections[name]; !ok {
			return nil, fmt.Errorf("unknown database connection %q", name)
		}
	}

	if dsn == "" {
		return nil, fmt.Errorf("no database dsn configured")
	}

	db, err := sqlx.Open(p.cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	p.dbs[name] = db

	return db, nil
}

// Close closes every opened handle.
func (p *DatabaseProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	for key, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}

		delete(p.dbs, key)
	}

	return errors.Join(errs...)
}

func (p *DatabaseProducer) tableQuery(req *dlp.ScanRequest) (string, error) {
	if q := strings.TrimSpace(req.Options["query"]); q != "" {
		if !p.cfg.AllowCustomQuery {
			return "", fmt.Errorf("custom queries are disabled for the database source")
		}

		return q, nil
	}

	if !identifierPattern.MatchString(req.TargetPath) {
		return "", fmt.Errorf("invalid table name %q", req.TargetPath)
	}

	return "SELECT * FROM " + req.TargetPath, nil
}

// Produce implements dlp.Producer.
func (p *DatabaseProducer) Produce(ctx context.Context, req *dlp.ScanRequest, emit dlp.EmitFunc) error {
	if _, ok := req.Options["dsn"]; ok {
		return fmt.Errorf("dsn may not be set per request; use a configured connection")
	}

	query, err := p.tableQuery(req)
	if err != nil {
		return err
	}

	db, err := p.open(req.Options["connection"])
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}

	table := req.TargetPath
	if table == "" {
		table = "query"
	}

	row := 0

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return fmt.Errorf("failed to scan row %d: %w", row, err)
		}

		text := renderRow(columns, values)
		size := int64(len(text))

		unit := dlp.Unit{
			Context: dlp.DataContext{
				Source:   req.Source,
				Location: fmt.Sprintf("database:%s#%d", table, row),
				FileType: "row",
				Metadata: map[string]string{
					dlp.MetadataFileSize: fmt.Sprint(size),
					"table":              table,
					"columns":            strings.Join(columns, ","),
				},
			},
			Text: text,
			Size: size,
		}

		if err := emit(unit); err != nil {
			return err
		}

		row++

		if p.cfg.MaxRows > 0 && row >= p.cfg.MaxRows {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration failed: %w", err)
	}

	return nil
}

// renderRow formats a row as "col=value" lines.
func renderRow(columns []string, values []interface{}) string {
	var b strings.Builder

	for i, col := range columns {
		if i > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(col)
		b.WriteByte('=')

		switch v := values[i].(type) {
		case nil:
		case []byte:
			b.Write(v)
		default:
			fmt.Fprint(&b, v)
		}
	}

	return b.String()
}
