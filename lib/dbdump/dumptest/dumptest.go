/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package dumptest provides an in-memory database fake for exercising
// export, restore and recovery paths without a live server.
package dumptest

import (
	"context"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden/lib/dbdump"
)

// CommandCall records one RunCommand invocation.
type CommandCall struct {
	DB  string
	Cmd bson.D
}

// MemoryDB holds databases in memory and hands out dbdump.Conn views of
// them. Zero value is not usable, call NewMemoryDB.
type MemoryDB struct {
	mu       sync.RWMutex
	dbs      map[string]map[string][]bson.D
	collErrs map[string]error
	commands []CommandCall
	dialErr  error
	pingErr  error

	// CommandHandler overrides RunCommand replies. When nil every command
	// replies {"ok": 1}.
	CommandHandler func(db string, cmd bson.D) (bson.Raw, error)
}

// NewMemoryDB returns an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		dbs:      make(map[string]map[string][]bson.D),
		collErrs: make(map[string]error),
	}
}

// Seed adds documents to a collection, creating it as needed. Documents
// are stored in driver-normalized form so seeded and replayed contents
// compare equal.
func (m *MemoryDB) Seed(db, collection string, docs ...bson.D) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbs[db] == nil {
		m.dbs[db] = make(map[string][]bson.D)
	}
	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			panic("dumptest: unmarshalable seed document: " + err.Error())
		}
		var normalized bson.D
		if err := bson.Unmarshal(raw, &normalized); err != nil {
			panic("dumptest: unmarshalable seed document: " + err.Error())
		}
		m.dbs[db][collection] = append(m.dbs[db][collection], normalized)
	}
}

// FailCollection makes reads of a collection fail with err.
func (m *MemoryDB) FailCollection(db, collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbs[db] == nil {
		m.dbs[db] = make(map[string][]bson.D)
	}
	if _, ok := m.dbs[db][collection]; !ok {
		m.dbs[db][collection] = nil
	}
	m.collErrs[db+"/"+collection] = err
}

// SetDialError makes Dial fail with err.
func (m *MemoryDB) SetDialError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialErr = err
}

// SetPingError makes Ping fail with err.
func (m *MemoryDB) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Documents returns a copy of a collection's contents.
func (m *MemoryDB) Documents(db, collection string) []bson.D {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.dbs[db][collection]
	out := make([]bson.D, len(docs))
	copy(out, docs)
	return out
}

// Collections returns the sorted collection names of db.
func (m *MemoryDB) Collections(db string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs[db]))
	for name := range m.dbs[db] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands returns the RunCommand calls seen so far.
func (m *MemoryDB) Commands() []CommandCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CommandCall, len(m.commands))
	copy(out, m.commands)
	return out
}

// Dial matches dbdump.Config.DialFunc.
func (m *MemoryDB) Dial(ctx context.Context, uri string) (dbdump.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dialErr != nil {
		return nil, trace.Wrap(m.dialErr)
	}
	return &memConn{db: m}, nil
}

type memConn struct {
	db *MemoryDB
}

func (c *memConn) ListCollections(ctx context.Context, db string) ([]string, error) {
	return c.db.Collections(db), nil
}

func (c *memConn) EachDocument(ctx context.Context, db, collection string, fn func(raw bson.Raw) error) error {
	c.db.mu.RLock()
	err := c.db.collErrs[db+"/"+collection]
	docs := c.db.dbs[db][collection]
	snapshot := make([]bson.D, len(docs))
	copy(snapshot, docs)
	c.db.mu.RUnlock()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, doc := range snapshot {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := fn(raw); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (c *memConn) InsertDocuments(ctx context.Context, db, collection string, docs []any) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.dbs[db] == nil {
		c.db.dbs[db] = make(map[string][]bson.D)
	}
	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return trace.Wrap(err)
		}
		var normalized bson.D
		if err := bson.Unmarshal(raw, &normalized); err != nil {
			return trace.Wrap(err)
		}
		c.db.dbs[db][collection] = append(c.db.dbs[db][collection], normalized)
	}
	return nil
}

func (c *memConn) DropCollection(ctx context.Context, db, collection string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	delete(c.db.dbs[db], collection)
	return nil
}

func (c *memConn) RunCommand(ctx context.Context, db string, cmd any) (bson.Raw, error) {
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var normalized bson.D
	if err := bson.Unmarshal(raw, &normalized); err != nil {
		return nil, trace.Wrap(err)
	}
	c.db.mu.Lock()
	c.db.commands = append(c.db.commands, CommandCall{DB: db, Cmd: normalized})
	handler := c.db.CommandHandler
	c.db.mu.Unlock()
	if handler != nil {
		return handler(db, normalized)
	}
	reply, err := bson.Marshal(bson.D{{Key: "ok", Value: 1}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return reply, nil
}

func (c *memConn) Ping(ctx context.Context) error {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	return trace.Wrap(c.db.pingErr)
}

func (c *memConn) Close(ctx context.Context) error {
	return nil
}
