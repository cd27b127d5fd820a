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

// Package mongostore persists cached license records in the tenant
// database so validation keeps working across restarts and license
// server outages.
package mongostore

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/dbdump"
	"github.com/corvohq/warden/lib/license"
)

// collectionName holds the cached license records.
const collectionName = "license_caches"

const dialTimeout = 10 * time.Second

// Config configures the mongo license store.
type Config struct {
	// URI is the connection string of the database holding the records.
	URI string
	// Database overrides the database named by URI.
	Database string
	// Logger emits store lifecycle events.
	Logger *slog.Logger
	// Clock is unused by queries but kept for symmetry with the other
	// stores.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing license database URI")
	}
	if c.Database == "" {
		name, err := dbdump.DatabaseFromURI(c.URI)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Database = name
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentLicense)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store implements license.Store on a mongo collection. Records of
// reissued licenses pile up per tenant; readers take the newest by sync
// time and the older ones stay for audit.
type Store struct {
	license.LockMap
	cfg    Config
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to the database and ensures the store indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, trace.BadParameter("invalid license database URI: %v", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, trace.ConnectionProblem(err, "license database is not reachable")
	}
	s := &Store{
		cfg:    cfg,
		client: client,
		coll:   client.Database(cfg.Database).Collection(collectionName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "license_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "license_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "cache.last_synced_at", Value: -1}},
		},
	})
	return trace.Wrap(err)
}

func (s *Store) GetByTenant(ctx context.Context, tenantID string) (*license.Record, error) {
	var rec license.Record
	err := s.coll.FindOne(ctx, bson.M{"tenant_id": tenantID},
		options.FindOne().SetSort(bson.D{{Key: "cache.last_synced_at", Value: -1}})).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, trace.NotFound("tenant %v has no cached license", tenantID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &rec, nil
}

func (s *Store) GetByLicenseID(ctx context.Context, licenseID string) (*license.Record, error) {
	var rec license.Record
	err := s.coll.FindOne(ctx, bson.M{"license_id": licenseID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, trace.NotFound("license %v is not cached", licenseID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &rec, nil
}

func (s *Store) Upsert(ctx context.Context, rec *license.Record) error {
	if err := rec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"license_id": rec.LicenseID}, rec,
		options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return trace.AlreadyExists("license number %v is already cached under another license", rec.LicenseNumber)
	}
	return trace.Wrap(err)
}

func (s *Store) All(ctx context.Context) ([]license.Record, error) {
	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{"encrypted_payload": 0}).
		SetSort(bson.D{{Key: "tenant_id", Value: 1}}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var recs []license.Record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, trace.Wrap(err)
	}
	return recs, nil
}

func (s *Store) Close(ctx context.Context) error {
	return trace.Wrap(s.client.Disconnect(ctx))
}
