/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package persist

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists documents in a sqlite database. Each store owns one
// table, so multiple scopes can share a database file.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

var _ Store = &SQLiteStore{}

// OpenSQLite opens (and if needed creates) the backing table. The table name
// is derived from the scope name, with every character outside [A-Za-z0-9_]
// replaced by an underscore.
func OpenSQLite(path, scopeName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	table := "scope_" + sanitizeTableName(scopeName)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		uuid TEXT PRIMARY KEY,
		cls_name TEXT NOT NULL,
		data BLOB NOT NULL,
		seq INTEGER
	)`, table)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	return &SQLiteStore{db: db, table: table}, nil
}

func sanitizeTableName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Has(uuid string) (bool, error) {
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %q WHERE uuid = ?", s.table)

	err := s.db.QueryRow(query, strings.ToLower(uuid)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query document: %w", err)
	}

	return true, nil
}

func (s *SQLiteStore) Get(uuid string) (*Document, error) {
	doc := Document{UUID: strings.ToLower(uuid)}
	query := fmt.Sprintf("SELECT cls_name, data FROM %q WHERE uuid = ?", s.table)

	err := s.db.QueryRow(query, doc.UUID).Scan(&doc.ClsName, &doc.Data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	return &doc, nil
}

func (s *SQLiteStore) Put(doc Document) error {
	query := fmt.Sprintf(`INSERT INTO %q (uuid, cls_name, data, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %q))
		ON CONFLICT(uuid) DO UPDATE SET cls_name = excluded.cls_name, data = excluded.data`, s.table, s.table)

	if _, err := s.db.Exec(query, strings.ToLower(doc.UUID), doc.ClsName, doc.Data); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Delete(uuid string) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE uuid = ?", s.table)

	if _, err := s.db.Exec(query, strings.ToLower(uuid)); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return nil
}

func (s *SQLiteStore) List() ([]Document, error) {
	query := fmt.Sprintf("SELECT uuid, cls_name, data FROM %q ORDER BY seq", s.table)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var result []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.UUID, &doc.ClsName, &doc.Data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		result = append(result, doc)
	}

	return result, rows.Err()
}
