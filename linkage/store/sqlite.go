// Package store keeps the participant registry and accepted matches in SQLite so IDs survive
// across runs even when the previous consolidated CSV is gone.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/theimaginaryfoundation/survey-linker/linkage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		response_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		first_run_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS matches (
		response_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		tier TEXT NOT NULL,
		extracted_id TEXT NOT NULL,
		confidence REAL NOT NULL,
		time_delta REAL,
		run_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		saved_at TEXT NOT NULL,
		responses INTEGER NOT NULL,
		matched INTEGER NOT NULL
	)`,
}

// SQLite is a LinkageStore backed by a single database file.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ linkage.LinkageStore = (*SQLite)(nil)

// Open opens (creating if needed) the registry at path.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store.Open: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store.Open: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: ping: %w", err)
	}
	for _, stmt := range append([]string{`PRAGMA busy_timeout = 5000`}, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store.Open: migrate: %w", err)
		}
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadPrior returns every registered participant and the matches of the latest saved run.
func (s *SQLite) LoadPrior(ctx context.Context) (linkage.PriorState, error) {
	st := linkage.PriorState{
		ParticipantIDs: make(map[string]string),
		Sources:        make(map[string]linkage.ParticipantIDSource),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT response_id, participant_id, source FROM participants ORDER BY response_id`)
	if err != nil {
		return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
	}
	for rows.Next() {
		var rid, pid, src string
		if err := rows.Scan(&rid, &pid, &src); err != nil {
			rows.Close()
			return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
		}
		st.ParticipantIDs[rid] = pid
		st.Sources[rid] = linkage.ParticipantIDSource(src)
	}
	if err := rows.Close(); err != nil {
		return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT response_id, conversation_id, method, tier, extracted_id, confidence, time_delta FROM matches ORDER BY response_id`)
	if err != nil {
		return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m linkage.Match
		var method string
		var delta sql.NullFloat64
		if err := rows.Scan(&m.ResponseID, &m.ConversationID, &method, &m.Tier, &m.ExtractedID, &m.Confidence, &delta); err != nil {
			return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
		}
		m.Method = linkage.MatchMethod(method)
		m.TimeDelta = math.NaN()
		if delta.Valid {
			m.TimeDelta = delta.Float64
		}
		st.Matches = append(st.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return linkage.PriorState{}, fmt.Errorf("LoadPrior: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("path", s.path).Int("participants", len(st.ParticipantIDs)).Int("matches", len(st.Matches)).Msg("loaded registry")
	return st, nil
}

// SaveRun registers new participant IDs and replaces the stored matches with this run's.
// A participant_id already registered for a response is never overwritten, and an ID owned by another
// response is skipped with a warning.
func (s *SQLite) SaveRun(ctx context.Context, runID string, participants []linkage.ConsolidatedParticipant) error {
	if runID == "" {
		return errors.New("SaveRun: runID is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveRun: begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertParticipant, err := tx.PrepareContext(ctx, `INSERT INTO participants (response_id, participant_id, source, first_run_id)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("SaveRun: prepare participants: %w", err)
	}
	defer insertParticipant.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches`); err != nil {
		return fmt.Errorf("SaveRun: clear matches: %w", err)
	}
	insertMatch, err := tx.PrepareContext(ctx, `INSERT INTO matches (response_id, conversation_id, method, tier, extracted_id, confidence, time_delta, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("SaveRun: prepare matches: %w", err)
	}
	defer insertMatch.Close()

	log := zerolog.Ctx(ctx)
	matched := 0
	for _, p := range participants {
		rid := p.Response.ResponseID
		if p.ParticipantID != "" {
			res, err := insertParticipant.ExecContext(ctx, rid, p.ParticipantID, string(p.ParticipantIDSource), runID)
			if err != nil {
				return fmt.Errorf("SaveRun: participant %q: %w", rid, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				var owner string
				err := tx.QueryRowContext(ctx, `SELECT response_id FROM participants WHERE participant_id = ?`, p.ParticipantID).Scan(&owner)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("SaveRun: participant %q: %w", rid, err)
				}
				if owner != "" && owner != rid {
					log.Warn().Str("response_id", rid).Str("participant_id", p.ParticipantID).Str("owner", owner).
						Msg("participant id already registered to another response; not saved")
				}
			}
		}
		if p.Match == nil {
			continue
		}
		m := p.Match
		var delta sql.NullFloat64
		if m.HasTimeDelta() {
			delta = sql.NullFloat64{Float64: m.TimeDelta, Valid: true}
		}
		if _, err := insertMatch.ExecContext(ctx, rid, m.ConversationID, string(m.Method), m.Tier, m.ExtractedID, m.Confidence, delta, runID); err != nil {
			return fmt.Errorf("SaveRun: match %q: %w", rid, err)
		}
		matched++
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, saved_at, responses, matched) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET saved_at = excluded.saved_at, responses = excluded.responses, matched = excluded.matched`,
		runID, time.Now().UTC().Format(time.RFC3339), len(participants), matched); err != nil {
		return fmt.Errorf("SaveRun: record run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveRun: commit: %w", err)
	}
	log.Info().Str("run_id", runID).Int("responses", len(participants)).Int("matched", matched).Msg("saved run to registry")
	return nil
}

// Runs lists saved run ids, oldest first.
func (s *SQLite) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY saved_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("Runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Runs: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
