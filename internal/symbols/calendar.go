package symbols

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/database"
)

// FutureContract is one row of a root's expiry calendar.
type FutureContract struct {
	Root        string
	Code        string // month-year code, e.g. U26
	Listing     time.Time
	LastTrading time.Time
}

// MonthYear returns the contract month as (month, full year).
func (c FutureContract) MonthYear() (int, int) {
	if len(c.Code) != 3 {
		return 0, 0
	}
	month := MonthCodes[c.Code[0]]
	yy := int(c.Code[1]-'0')*10 + int(c.Code[2]-'0')
	year := 2000 + yy
	if yy >= 70 {
		year = 1900 + yy
	}
	return month, year
}

const calendarSchema = `
CREATE TABLE IF NOT EXISTS future_contracts (
    root         TEXT NOT NULL,
    code         TEXT NOT NULL,
    listing      INTEGER NOT NULL,
    last_trading INTEGER NOT NULL,
    PRIMARY KEY (root, code)
);
CREATE TABLE IF NOT EXISTS calendar_roots (
    root         TEXT PRIMARY KEY,
    refreshed_at INTEGER NOT NULL
);
`

// CalendarStore persists per-root expiry calendars in sqlite. The data is a
// disposable cache: everything here is recoverable from the upstream.
type CalendarStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCalendarStore opens the store and applies the schema.
func NewCalendarStore(db *database.DB, log zerolog.Logger) (*CalendarStore, error) {
	if _, err := db.Exec(calendarSchema); err != nil {
		return nil, fmt.Errorf("apply calendar schema: %w", err)
	}
	return &CalendarStore{db: db, log: log.With().Str("component", "calendar_store").Logger()}, nil
}

// Contracts returns the stored calendar for a root plus its refresh stamp.
// A zero stamp means the root has never been stored.
func (s *CalendarStore) Contracts(root string) ([]FutureContract, time.Time, error) {
	var refreshedAt time.Time
	var unix int64
	err := s.db.QueryRow(`SELECT refreshed_at FROM calendar_roots WHERE root = ?`, root).Scan(&unix)
	switch {
	case err == sql.ErrNoRows:
		return nil, time.Time{}, nil
	case err != nil:
		return nil, time.Time{}, fmt.Errorf("read calendar stamp for %s: %w", root, err)
	}
	refreshedAt = time.Unix(unix, 0).UTC()

	rows, err := s.db.Query(
		`SELECT code, listing, last_trading FROM future_contracts WHERE root = ? ORDER BY last_trading`,
		root)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read calendar for %s: %w", root, err)
	}
	defer rows.Close()

	var out []FutureContract
	for rows.Next() {
		var c FutureContract
		var listing, last int64
		if err := rows.Scan(&c.Code, &listing, &last); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan calendar row for %s: %w", root, err)
		}
		c.Root = root
		c.Listing = time.Unix(listing, 0).UTC()
		c.LastTrading = time.Unix(last, 0).UTC()
		out = append(out, c)
	}
	return out, refreshedAt, rows.Err()
}

// Replace swaps a root's calendar for a fresh enumeration and stamps it.
func (s *CalendarStore) Replace(root string, contracts []FutureContract, refreshedAt time.Time) error {
	return s.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM future_contracts WHERE root = ?`, root); err != nil {
			return err
		}
		for _, c := range contracts {
			_, err := tx.Exec(
				`INSERT INTO future_contracts (root, code, listing, last_trading) VALUES (?, ?, ?, ?)`,
				root, c.Code, c.Listing.Unix(), c.LastTrading.Unix())
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			`INSERT INTO calendar_roots (root, refreshed_at) VALUES (?, ?)
			 ON CONFLICT(root) DO UPDATE SET refreshed_at = excluded.refreshed_at`,
			root, refreshedAt.Unix())
		return err
	})
}

// Roots lists every root with a stored calendar.
func (s *CalendarStore) Roots() ([]string, error) {
	rows, err := s.db.Query(`SELECT root FROM calendar_roots ORDER BY root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
