// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package positions is a registry of named stage positions, kept per rig
// in a SQLite database. Coordinates are stored as YAML documents.
package positions

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aamcrae/stage/stage"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"
)

//go:embed schema.sql
var schemaSQL string

// Well known position names.
const (
	Home   = "HOME"   // Saved after a successful homing run
	Safe   = "SAFE"   // Clear of the animal
	Origin = "ORIGIN" // Start of a cycle
)

var (
	ErrNotFound    = errors.New("positions: not found")
	ErrInvalidName = errors.New("positions: invalid name")
)

// Entry is a saved position.
type Entry struct {
	Name     string
	Position stage.Position
	Updated  time.Time
}

type coords struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Store holds the named positions of one rig.
type Store struct {
	db  *sql.DB
	rig string
}

// Open creates or opens the database at path, holding positions for rig.
func Open(path, rig string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, rig: rig}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Normalize returns the stored form of a position name.
func Normalize(name string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" || strings.ContainsAny(n, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// Save stores p under name, replacing any earlier position of that name.
func (s *Store) Save(ctx context.Context, name string, p stage.Position) error {
	n, err := Normalize(name)
	if err != nil {
		return err
	}
	doc, err := yaml.Marshal(coords{X: p[stage.X], Y: p[stage.Y], Z: p[stage.Z]})
	if err != nil {
		return fmt.Errorf("encode %s: %w", n, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (rig, name, coords, updated) VALUES (?, ?, ?, ?)
		ON CONFLICT (rig, name) DO UPDATE SET coords = excluded.coords, updated = excluded.updated`,
		s.rig, n, string(doc), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s: %w", n, err)
	}
	return nil
}

// Load returns the position saved under name.
func (s *Store) Load(ctx context.Context, name string) (stage.Position, error) {
	e, err := s.get(ctx, name)
	return e.Position, err
}

func (s *Store) get(ctx context.Context, name string) (Entry, error) {
	n, err := Normalize(name)
	if err != nil {
		return Entry{}, err
	}
	var doc string
	var updated int64
	err = s.db.QueryRowContext(ctx,
		"SELECT coords, updated FROM positions WHERE rig = ? AND name = ?", s.rig, n).Scan(&doc, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load %s: %w", n, err)
	}
	return decode(n, doc, updated)
}

// List returns the saved positions in name order.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, coords, updated FROM positions WHERE rig = ? ORDER BY name", s.rig)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var name, doc string
		var updated int64
		if err := rows.Scan(&name, &doc, &updated); err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		e, err := decode(name, doc, updated)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the position saved under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	n, err := Normalize(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE rig = ? AND name = ?", s.rig, n)
	if err != nil {
		return fmt.Errorf("delete %s: %w", n, err)
	}
	if c, err := res.RowsAffected(); err == nil && c == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	return nil
}

func decode(name, doc string, updated int64) (Entry, error) {
	var c coords
	if err := yaml.Unmarshal([]byte(doc), &c); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return Entry{
		Name:     name,
		Position: stage.Position{c.X, c.Y, c.Z},
		Updated:  time.UnixMilli(updated),
	}, nil
}
