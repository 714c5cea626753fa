package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// maxCandidates bounds how many ids an ambiguity error lists.
const maxCandidates = 10

// resolveID maps a full id or unique id prefix in table to the full id.
// An exact match always wins; more than one prefix match is an error.
func (s *Store) resolveID(ctx context.Context, kind, table, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%s: empty reference: %w", kind, ErrNotFound)
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE id = ?`, ref).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT ?`,
		escapeLike(ref)+"%", maxCandidates+1)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s %q: %w", kind, ref, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		if len(matches) > maxCandidates {
			matches = append(matches[:maxCandidates], "...")
		}
		return "", &AmbiguousReferenceError{Kind: kind, Ref: ref, Candidates: matches}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
