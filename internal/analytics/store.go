// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package analytics persists verdicts and per-source summaries to SQLite.
package analytics

import (
	"database/sql"
	"net/netip"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/scoring"
)

// Summary aggregates one source's verdicts of one classification in a time
// bucket.
type Summary struct {
	BucketTime     time.Time `json:"bucket_time"`
	SrcIP          string    `json:"src_ip"`
	Classification string    `json:"classification"`
	Verdicts       int64     `json:"verdicts"`
	Packets        int64     `json:"packets"`
	MaxRate        float64   `json:"max_rate"`
}

// Store handles persistence of detection data to SQLite
type Store struct {
	db *sql.DB
}

// Open opens or creates the detection database
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "failed to open analytics db %s", path)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL, -- Unix nanoseconds
		flow TEXT NOT NULL,
		src_ip TEXT NOT NULL,
		src_port INTEGER,
		dst_ip TEXT NOT NULL,
		dst_port INTEGER,
		proto INTEGER,
		packets INTEGER DEFAULT 0,
		packet_rate REAL DEFAULT 0,
		duration REAL DEFAULT 0,
		score REAL DEFAULT 0,
		model_available INTEGER DEFAULT 0,
		classification TEXT NOT NULL,
		reason TEXT,
		state TEXT,
		country TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_verdicts_ts ON verdicts(ts);
	CREATE INDEX IF NOT EXISTS idx_verdicts_src ON verdicts(src_ip);

	CREATE TABLE IF NOT EXISTS source_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_time INTEGER NOT NULL, -- Unix timestamp
		src_ip TEXT NOT NULL,
		classification TEXT NOT NULL,
		verdicts INTEGER DEFAULT 0,
		packets INTEGER DEFAULT 0,
		max_rate REAL DEFAULT 0,
		UNIQUE(bucket_time, src_ip, classification)
	);
	CREATE INDEX IF NOT EXISTS idx_source_summaries_time ON source_summaries(bucket_time);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindIO, "init analytics schema")
	}
	return nil
}

// RecordVerdicts persists a batch of verdicts. Re-recording an ID is a no-op.
func (s *Store) RecordVerdicts(verdicts []scoring.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "begin")
	}

	stmt, err := tx.Prepare(`
		INSERT INTO verdicts (id, ts, flow, src_ip, src_port, dst_ip, dst_port, proto, packets,
			packet_rate, duration, score, model_available, classification, reason, state, country)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindIO, "prepare verdict insert")
	}
	defer stmt.Close()

	for _, v := range verdicts {
		_, err := stmt.Exec(
			v.ID,
			v.Timestamp.UnixNano(),
			v.Flow,
			v.Src.Addr.String(),
			v.Src.Port,
			v.Dst.Addr.String(),
			v.Dst.Port,
			v.Protocol,
			int64(v.Packets),
			v.PacketRate,
			v.Duration,
			v.Score,
			v.ModelAvailable,
			v.Classification.String(),
			string(v.Reason),
			v.StateName,
			v.Country,
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindIO, "insert verdict")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindIO, "commit verdicts")
	}
	return nil
}

const verdictColumns = `id, ts, flow, src_ip, src_port, dst_ip, dst_port, proto, packets,
	packet_rate, duration, score, model_available, classification, reason, state, country`

// Recent returns up to limit verdicts, newest first.
func (s *Store) Recent(limit int) ([]scoring.Verdict, error) {
	return s.queryVerdicts(`SELECT `+verdictColumns+` FROM verdicts ORDER BY ts DESC, id LIMIT ?`, limit)
}

// BySource returns up to limit verdicts whose initiator is src, newest first.
func (s *Store) BySource(src netip.Addr, limit int) ([]scoring.Verdict, error) {
	return s.queryVerdicts(`SELECT `+verdictColumns+` FROM verdicts WHERE src_ip = ? ORDER BY ts DESC, id LIMIT ?`, src.String(), limit)
}

func (s *Store) queryVerdicts(query string, args ...any) ([]scoring.Verdict, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "query verdicts")
	}
	defer rows.Close()

	var result []scoring.Verdict
	for rows.Next() {
		var (
			v                scoring.Verdict
			ts               int64
			srcIP, dstIP     string
			srcPort, dstPort uint16
			packets          int64
			class, reason    string
			state            string
		)
		err := rows.Scan(
			&v.ID, &ts, &v.Flow, &srcIP, &srcPort, &dstIP, &dstPort, &v.Protocol, &packets,
			&v.PacketRate, &v.Duration, &v.Score, &v.ModelAvailable, &class, &reason, &state, &v.Country,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindIO, "scan verdict")
		}
		v.Timestamp = time.Unix(0, ts).UTC()
		v.Packets = uint64(packets)
		v.Reason = scoring.Reason(reason)
		v.StateName = state
		if c, err := scoring.ParseClassification(class); err == nil {
			v.Classification = c
		}
		if a, err := netip.ParseAddr(srcIP); err == nil {
			v.Src = flow.Endpoint{Addr: a, Port: srcPort}
		}
		if a, err := netip.ParseAddr(dstIP); err == nil {
			v.Dst = flow.Endpoint{Addr: a, Port: dstPort}
		}
		v.Source, v.Destination = v.Src.String(), v.Dst.String()
		v.Key = flow.NewKey(v.Src, v.Dst, v.Protocol)
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "iterate verdicts")
	}
	return result, nil
}

// RecordSummaries persists a batch of source summaries using UPSERT
func (s *Store) RecordSummaries(summaries []Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "begin")
	}

	stmt, err := tx.Prepare(`
		INSERT INTO source_summaries (bucket_time, src_ip, classification, verdicts, packets, max_rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_time, src_ip, classification) DO UPDATE SET
			verdicts = verdicts + excluded.verdicts,
			packets = packets + excluded.packets,
			max_rate = MAX(max_rate, excluded.max_rate)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindIO, "prepare summary upsert")
	}
	defer stmt.Close()

	for _, sum := range summaries {
		_, err := stmt.Exec(
			sum.BucketTime.Unix(),
			sum.SrcIP,
			sum.Classification,
			sum.Verdicts,
			sum.Packets,
			sum.MaxRate,
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindIO, "upsert summary")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindIO, "commit summaries")
	}
	return nil
}

// TopSources returns the top N sources by attack verdicts in a time range
func (s *Store) TopSources(from, to time.Time, limit int) ([]Summary, error) {
	query := `
		SELECT src_ip, SUM(verdicts), SUM(packets), MAX(max_rate)
		FROM source_summaries
		WHERE bucket_time >= ? AND bucket_time <= ? AND classification = 'attack'
		GROUP BY src_ip
		ORDER BY SUM(verdicts) DESC, src_ip
		LIMIT ?
	`
	rows, err := s.db.Query(query, from.Unix(), to.Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "query top sources")
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		sum := Summary{Classification: scoring.Attack.String()}
		if err := rows.Scan(&sum.SrcIP, &sum.Verdicts, &sum.Packets, &sum.MaxRate); err != nil {
			return nil, errors.Wrap(err, errors.KindIO, "scan top source")
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// Cleanup removes records older than the retention period, measured from now
func (s *Store) Cleanup(now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention)
	var total int64
	for _, q := range []struct {
		sql string
		arg int64
	}{
		{"DELETE FROM verdicts WHERE ts < ?", cutoff.UnixNano()},
		{"DELETE FROM source_summaries WHERE bucket_time < ?", cutoff.Unix()},
	} {
		result, err := s.db.Exec(q.sql, q.arg)
		if err != nil {
			return total, errors.Wrap(err, errors.KindIO, "cleanup")
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}
