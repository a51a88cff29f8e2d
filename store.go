package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Record is the raw shape the table store deals in: a two-part key, an
// optimistic-concurrency version, and an opaque payload.
type Record struct {
	Key     Key
	Version int64
	Data    []byte
}

// TableStore is the storage collaborator. The server never assumes
// transactional writes across tables; last write wins.
type TableStore interface {
	// Get returns errNotFound if no record exists under the key.
	Get(ctx context.Context, table string, key Key) (Record, error)

	// Put writes the record if the stored version still matches expected
	// (zero means create-if-absent) and returns the new version, or
	// errConflict.
	Put(ctx context.Context, table string, rec Record, expected int64) (int64, error)

	// QueryPartition returns all records sharing a partition key, ordered
	// by row key.
	QueryPartition(ctx context.Context, table string, partition string) ([]Record, error)

	Close() error
}

// sqliteStore keeps every table in a single records relation so that new
// entity kinds need no migrations.
type sqliteStore struct {
	db *sql.DB
}

const storeSchema = `CREATE TABLE IF NOT EXISTS records (
	tbl TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	row_key TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	data BLOB NOT NULL,
	PRIMARY KEY (tbl, partition_key, row_key)
);`

func openStore(dsn string) (TableStore, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, table string, key Key) (Record, error) {
	rec := Record{Key: key}

	row := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM records WHERE tbl = ? AND partition_key = ? AND row_key = ?`,
		table, key.Partition, key.Row)

	err := row.Scan(&rec.Version, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errNotFound
	}
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

func (s *sqliteStore) Put(ctx context.Context, table string, rec Record, expected int64) (int64, error) {
	if expected == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (tbl, partition_key, row_key, version, data) VALUES (?, ?, ?, 1, ?)`,
			table, rec.Key.Partition, rec.Key.Row, rec.Data)
		if err != nil {
			// A unique-constraint failure means the record already exists.
			if existing, getErr := s.Get(ctx, table, rec.Key); getErr == nil && existing.Version > 0 {
				return 0, errConflict
			}
			return 0, err
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET version = version + 1, data = ?
		 WHERE tbl = ? AND partition_key = ? AND row_key = ? AND version = ?`,
		rec.Data, table, rec.Key.Partition, rec.Key.Row, expected)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, errConflict
	}

	return expected + 1, nil
}

func (s *sqliteStore) QueryPartition(ctx context.Context, table string, partition string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_key, version, data FROM records WHERE tbl = ? AND partition_key = ? ORDER BY row_key`,
		table, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{Key: Key{Partition: partition}}
		if err := rows.Scan(&rec.Key.Row, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// memoryStore mirrors the SQLite semantics for tests and throwaway runs.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]map[Key]Record
}

func newMemoryStore() TableStore {
	return &memoryStore{records: make(map[string]map[Key]Record)}
}

func (m *memoryStore) Get(_ context.Context, table string, key Key) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[table][key]
	if !ok {
		return Record{}, errNotFound
	}

	return rec, nil
}

func (m *memoryStore) Put(_ context.Context, table string, rec Record, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[table] == nil {
		m.records[table] = make(map[Key]Record)
	}

	existing, ok := m.records[table][rec.Key]
	switch {
	case !ok && expected != 0:
		return 0, errConflict
	case ok && existing.Version != expected:
		return 0, errConflict
	}

	rec.Version = expected + 1
	m.records[table][rec.Key] = rec

	return rec.Version, nil
}

func (m *memoryStore) QueryPartition(_ context.Context, table string, partition string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []Record
	for key, rec := range m.records[table] {
		if key.Partition == partition {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key.Row < records[j].Key.Row
	})

	return records, nil
}

func (m *memoryStore) Close() error {
	return nil
}

// Typed helpers marshal entities through the raw record shape.

func putGame(ctx context.Context, store TableStore, game *GameEntity) error {
	data, err := json.Marshal(game)
	if err != nil {
		return err
	}

	version, err := store.Put(ctx, tableGames, Record{Key: game.Key, Data: data}, game.Version)
	if err != nil {
		return err
	}
	game.Version = version

	return nil
}

func getGame(ctx context.Context, store TableStore, key Key) (*GameEntity, error) {
	rec, err := store.Get(ctx, tableGames, key)
	if err != nil {
		return nil, err
	}

	game := newGameEntity(key.Partition, key.Row)
	if err := json.Unmarshal(rec.Data, game); err != nil {
		return nil, err
	}
	game.Version = rec.Version

	return game, nil
}

func putPlayer(ctx context.Context, store TableStore, player *PlayerEntity) error {
	data, err := json.Marshal(player)
	if err != nil {
		return err
	}

	version, err := store.Put(ctx, tablePlayers, Record{Key: player.Key, Data: data}, player.Version)
	if err != nil {
		return err
	}
	player.Version = version

	return nil
}

func putQuestion(ctx context.Context, store TableStore, question *QuestionEntity) error {
	data, err := json.Marshal(question)
	if err != nil {
		return err
	}

	version, err := store.Put(ctx, tableQuestions, Record{Key: question.Key, Data: data}, question.Version)
	if err != nil {
		return err
	}
	question.Version = version

	return nil
}

func putScore(ctx context.Context, store TableStore, score *ScoreEntity) error {
	data, err := json.Marshal(score)
	if err != nil {
		return err
	}

	version, err := store.Put(ctx, tableScores, Record{Key: score.Key, Data: data}, score.Version)
	if err != nil {
		return err
	}
	score.Version = version

	return nil
}

func queryPlayers(ctx context.Context, store TableStore, partition string) ([]*PlayerEntity, error) {
	records, err := store.QueryPartition(ctx, tablePlayers, partition)
	if err != nil {
		return nil, err
	}

	players := make([]*PlayerEntity, 0, len(records))
	for _, rec := range records {
		player := newPlayerEntity(rec.Key.Partition, rec.Key.Row)
		if err := json.Unmarshal(rec.Data, player); err != nil {
			return nil, err
		}
		player.Version = rec.Version
		players = append(players, player)
	}

	return players, nil
}

func queryQuestions(ctx context.Context, store TableStore, partition string) ([]*QuestionEntity, error) {
	records, err := store.QueryPartition(ctx, tableQuestions, partition)
	if err != nil {
		return nil, err
	}

	questions := make([]*QuestionEntity, 0, len(records))
	for _, rec := range records {
		question := newQuestionEntity(rec.Key.Partition, rec.Key.Row)
		if err := json.Unmarshal(rec.Data, question); err != nil {
			return nil, err
		}
		question.Version = rec.Version
		questions = append(questions, question)
	}

	sort.Slice(questions, func(i, j int) bool {
		return questions[i].Number < questions[j].Number
	})

	return questions, nil
}

func queryScores(ctx context.Context, store TableStore, partition string) ([]*ScoreEntity, error) {
	records, err := store.QueryPartition(ctx, tableScores, partition)
	if err != nil {
		return nil, err
	}

	scores := make([]*ScoreEntity, 0, len(records))
	for _, rec := range records {
		score := newScoreEntity(rec.Key.Partition, rec.Key.Row)
		if err := json.Unmarshal(rec.Data, score); err != nil {
			return nil, err
		}
		score.Version = rec.Version
		scores = append(scores, score)
	}

	return scores, nil
}
