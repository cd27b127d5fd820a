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

package dbdump

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Conn is the slice of the database driver the exporter, the document
// fallback and the recovery engine depend on. mongoConn implements it on a
// live connection; tests substitute a fake.
type Conn interface {
	// ListCollections returns the collection names of db.
	ListCollections(ctx context.Context, db string) ([]string, error)
	// EachDocument streams every document of a collection through fn.
	EachDocument(ctx context.Context, db, collection string, fn func(raw bson.Raw) error) error
	// InsertDocuments bulk-inserts documents into a collection.
	InsertDocuments(ctx context.Context, db, collection string, docs []any) error
	// DropCollection removes a collection. Missing collections are not an
	// error.
	DropCollection(ctx context.Context, db, collection string) error
	// RunCommand runs a database command and returns the raw reply.
	RunCommand(ctx context.Context, db string, cmd any) (bson.Raw, error)
	// Ping verifies the server is reachable.
	Ping(ctx context.Context) error
	// Close tears the connection down.
	Close(ctx context.Context) error
}

// dialTimeout bounds the initial connect plus ping.
const dialTimeout = 10 * time.Second

// Dial connects to the database behind uri.
func Dial(ctx context.Context, uri string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, trace.BadParameter("invalid database URI: %v", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, trace.ConnectionProblem(err, "database is not reachable")
	}
	return &mongoConn{client: client}, nil
}

type mongoConn struct {
	client *mongo.Client
}

func (c *mongoConn) ListCollections(ctx context.Context, db string) ([]string, error) {
	names, err := c.client.Database(db).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return names, nil
}

func (c *mongoConn) EachDocument(ctx context.Context, db, collection string, fn func(raw bson.Raw) error) error {
	cursor, err := c.client.Database(db).Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		if err := fn(cursor.Current); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(cursor.Err())
}

func (c *mongoConn) InsertDocuments(ctx context.Context, db, collection string, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := c.client.Database(db).Collection(collection).InsertMany(ctx, docs)
	return trace.Wrap(err)
}

func (c *mongoConn) DropCollection(ctx context.Context, db, collection string) error {
	return trace.Wrap(c.client.Database(db).Collection(collection).Drop(ctx))
}

func (c *mongoConn) RunCommand(ctx context.Context, db string, cmd any) (bson.Raw, error) {
	raw, err := c.client.Database(db).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return raw, nil
}

func (c *mongoConn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return trace.ConnectionProblem(err, "database is not reachable")
	}
	return nil
}

func (c *mongoConn) Close(ctx context.Context) error {
	return trace.Wrap(c.client.Disconnect(ctx))
}

// DatabaseFromURI extracts the database name from a mongodb:// or
// mongodb+srv:// connection string.
func DatabaseFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", trace.BadParameter("invalid database URI: %v", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", trace.BadParameter("database URI %v does not name a database", redactURI(uri))
	}
	return name, nil
}

// redactURI strips credentials before a URI lands in an error or a log.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
