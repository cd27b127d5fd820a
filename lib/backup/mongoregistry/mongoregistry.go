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

// Package mongoregistry persists backup run records in the primary
// database so run history survives process restarts and is visible to
// the monitoring jobs.
package mongoregistry

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
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/dbdump"
)

// collectionName holds the run records.
const collectionName = "backup_runs"

const dialTimeout = 10 * time.Second

// Config configures the mongo registry.
type Config struct {
	// URI is the connection string of the database holding the records.
	URI string
	// Database overrides the database named by URI.
	Database string
	// Logger emits registry lifecycle events.
	Logger *slog.Logger
	// Clock is unused by queries but kept for symmetry with the other
	// stores.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing registry database URI")
	}
	if c.Database == "" {
		name, err := dbdump.DatabaseFromURI(c.URI)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Database = name
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentBackup)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry implements backup.Registry on a mongo collection.
type Registry struct {
	cfg    Config
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to the database and ensures the registry indexes.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, trace.BadParameter("invalid registry database URI: %v", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, trace.ConnectionProblem(err, "registry database is not reachable")
	}
	r := &Registry{
		cfg:    cfg,
		client: client,
		coll:   client.Database(cfg.Database).Collection(collectionName),
	}
	if err := r.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, trace.Wrap(err)
	}
	return r, nil
}

func (r *Registry) ensureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "backup_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "started_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "type", Value: 1}, {Key: "started_at", Value: -1}},
		},
	})
	return trace.Wrap(err)
}

func (r *Registry) Create(ctx context.Context, run *backup.BackupRun) error {
	if err := run.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if _, err := r.coll.InsertOne(ctx, run); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return trace.AlreadyExists("backup %v is already recorded", run.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

func (r *Registry) Update(ctx context.Context, run *backup.BackupRun) error {
	if err := run.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	res, err := r.coll.ReplaceOne(ctx, bson.M{"backup_id": run.ID}, run)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("backup %v is not recorded", run.ID)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*backup.BackupRun, error) {
	var run backup.BackupRun
	err := r.coll.FindOne(ctx, bson.M{"backup_id": id}).Decode(&run)
	if err == mongo.ErrNoDocuments {
		return nil, trace.NotFound("backup %v is not recorded", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &run, nil
}

func (r *Registry) Recent(ctx context.Context, limit int) ([]backup.BackupRun, error) {
	return r.find(ctx, bson.M{}, limit)
}

func (r *Registry) ByType(ctx context.Context, typ backup.Type, limit int) ([]backup.BackupRun, error) {
	return r.find(ctx, bson.M{"type": typ}, limit)
}

func (r *Registry) find(ctx context.Context, filter bson.M, limit int) ([]backup.BackupRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var runs []backup.BackupRun
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, trace.Wrap(err)
	}
	return runs, nil
}

func (r *Registry) MarkVerified(ctx context.Context, id string, v backup.VerificationStatus) error {
	return r.patch(ctx, id, bson.M{"verification": v})
}

func (r *Registry) MarkRestored(ctx context.Context, id string, rest backup.RestorationStatus) error {
	return r.patch(ctx, id, bson.M{"restoration": rest})
}

func (r *Registry) MarkDeleted(ctx context.Context, id string, ret backup.RetentionStatus) error {
	return r.patch(ctx, id, bson.M{"retention": ret})
}

func (r *Registry) patch(ctx context.Context, id string, set bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"backup_id": id}, bson.M{"$set": set})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("backup %v is not recorded", id)
	}
	return nil
}

func (r *Registry) Expired(ctx context.Context, typ backup.Type, cutoff time.Time) ([]backup.BackupRun, error) {
	cursor, err := r.coll.Find(ctx, bson.M{
		"type":       typ,
		"status":     backup.StatusCompleted,
		"retention":  bson.M{"$exists": false},
		"started_at": bson.M{"$lt": cutoff},
	}, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var runs []backup.BackupRun
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, trace.Wrap(err)
	}
	return runs, nil
}

func (r *Registry) Stats(ctx context.Context, since time.Time) (*backup.Stats, error) {
	cursor, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"started_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": 1},
			"completed": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", backup.StatusCompleted}}, 1, 0,
			}}},
			"failed": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", backup.StatusFailed}}, 1, 0,
			}}},
			"total_bytes": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$status", backup.StatusCompleted}},
					bson.M{"$lte": bson.A{"$retention", nil}},
				}},
				"$size", 0,
			}}},
		}}},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var rows []struct {
		Total      int   `bson:"total"`
		Completed  int   `bson:"completed"`
		Failed     int   `bson:"failed"`
		TotalBytes int64 `bson:"total_bytes"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, trace.Wrap(err)
	}
	stats := &backup.Stats{}
	if len(rows) > 0 {
		stats.Total = rows[0].Total
		stats.Completed = rows[0].Completed
		stats.Failed = rows[0].Failed
		stats.TotalBytes = rows[0].TotalBytes
		if stats.Total > 0 {
			stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
		}
	}

	lastRun, err := r.findOne(ctx, bson.M{"started_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats.LastRun = lastRun
	lastSuccess, err := r.findOne(ctx, bson.M{
		"started_at": bson.M{"$gte": since},
		"status":     backup.StatusCompleted,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats.LastSuccess = lastSuccess
	return stats, nil
}

// findOne returns the newest run matching filter, or nil without error
// when none match.
func (r *Registry) findOne(ctx context.Context, filter bson.M) (*backup.BackupRun, error) {
	var run backup.BackupRun
	err := r.coll.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})).Decode(&run)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &run, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return trace.Wrap(r.client.Disconnect(ctx))
}
