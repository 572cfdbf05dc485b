// Package drugs checks medication names from a clinical note against the
// formulary table.
package drugs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/xrlink/internal/util"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("drugs")

// Driver names accepted by Open, as registered with database/sql.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Result statuses.
const (
	StatusExists   = "exists"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

type Result struct {
	Query   string  `json:"query"`
	Status  string  `json:"status"`
	Matched *string `json:"matched"`
	Error   string  `json:"error,omitempty"`
}

type Options struct {
	Driver     string
	DSN        string
	Schema     string
	Table      string
	NameColumn string
	Timeout    time.Duration
}

type Checker struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

// Open connects to the formulary database and verifies it is reachable.
func Open(opts Options) (*Checker, error) {
	if opts.Driver != DriverPostgres && opts.Driver != DriverSQLite {
		return nil, fmt.Errorf("drugs: unsupported driver %q", opts.Driver)
	}
	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("drugs: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("drugs: ping: %w", err)
	}
	c, err := NewChecker(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infow("drug lookup ready", "driver", opts.Driver, "table", opts.Table, "column", opts.NameColumn)
	return c, nil
}

// NewChecker wraps an already open database.
func NewChecker(db *sql.DB, opts Options) (*Checker, error) {
	q, err := buildQuery(opts.Driver, opts.Schema, opts.Table, opts.NameColumn)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Checker{db: db, query: q, timeout: opts.Timeout}, nil
}

func (c *Checker) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Lookup returns the best matching formulary name for query.
func (c *Checker) Lookup(ctx context.Context, query string) (string, bool, error) {
	raw := strings.TrimSpace(query)
	norm := NormalizeTerm(raw)
	rawLike := "%" + raw + "%"
	normLike := "%" + norm + "%"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var name string
	err := c.db.QueryRowContext(ctx, c.query, raw, rawLike, norm, normLike, norm, raw, normLike).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

// Queries turns medication lines into distinct lookup terms, keeping the
// first-seen order.
func Queries(meds []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range meds {
		q := ExtractQuery(m)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// CheckMedications looks up every distinct medication. A failed lookup is
// reported in its Result and does not stop the others.
func (c *Checker) CheckMedications(ctx context.Context, meds []string) []Result {
	queries := Queries(meds)
	results := make([]Result, 0, len(queries))
	if len(queries) == 0 {
		log.Debug("no medication entries to check")
		return results
	}

	var found, missing int
	for _, q := range queries {
		name, ok, err := c.Lookup(ctx, q)
		switch {
		case err != nil:
			log.Warnw("drug lookup failed", "query", q, "err", err)
			results = append(results, Result{Query: q, Status: StatusError, Error: err.Error()})
		case ok:
			found++
			results = append(results, Result{Query: q, Status: StatusExists, Matched: &name})
		default:
			missing++
			results = append(results, Result{Query: q, Status: StatusNotFound})
		}
	}
	log.Infow("drug check done", "found", found, "notFound", missing, "errors", len(results)-found-missing)
	return results
}

// Failed reports whether any lookup in results errored.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}
