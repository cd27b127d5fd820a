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

package main

import (
	"context"
	"path/filepath"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/backup/mongoregistry"
	"github.com/corvohq/warden/lib/backup/monitor"
	"github.com/corvohq/warden/lib/backup/monitor/lognotifier"
	"github.com/corvohq/warden/lib/backup/recovery"
	"github.com/corvohq/warden/lib/backup/verify"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/cloudstore/memstore"
	"github.com/corvohq/warden/lib/cloudstore/s3store"
	"github.com/corvohq/warden/lib/config"
	"github.com/corvohq/warden/lib/dbdump"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/license"
	"github.com/corvohq/warden/lib/license/mongostore"
	"github.com/corvohq/warden/lib/logutil"
)

// usersCollection is the primary database collection seat usage is
// counted from.
const usersCollection = "users"

// env is the composition root of the commands. Each subsystem is built
// at most once from the loaded configuration and shared, so one-shot
// commands only dial what they use and "start" hands every job the same
// instances. Getters run on the command goroutine before any background
// work starts; job closures capture the built handles.
type env struct {
	cfg  *config.Config
	logs *logutil.Manager

	reg          backup.Registry
	primary      *dbdump.Exporter
	licenseDB    *dbdump.Exporter
	licenseDBSet bool
	store        cloudstore.Uploader
	storeBuilt   bool
	keys         *backup.KeyStore
	eng          *backup.Engine
	ret          *backup.Retention
	ver          *verify.Verifier
	rec          *recovery.Engine
	mon          *monitor.Monitor
	auth         *license.Authority
	authBuilt    bool
	licStore     license.Store
	sync         *license.Syncer
	valid        *license.Validator

	closers []func(context.Context) error
}

func newEnv(cfg *config.Config, logs *logutil.Manager) *env {
	return &env{cfg: cfg, logs: logs}
}

// Close releases every subsystem that was built, newest first.
func (e *env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	e.closers = nil
	return trace.NewAggregate(errs...)
}

// registry returns the backup run registry: the primary database when
// one is configured, an in-memory registry otherwise so read-only
// commands still answer.
func (e *env) registry(ctx context.Context) (backup.Registry, error) {
	if e.reg != nil {
		return e.reg, nil
	}
	if e.cfg.MongoURI == "" {
		e.reg = backup.NewMemoryRegistry()
		return e.reg, nil
	}
	reg, err := mongoregistry.New(ctx, mongoregistry.Config{
		URI:    e.cfg.MongoURI,
		Logger: e.logs.Component(warden.ComponentBackup),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.reg = reg
	e.closers = append(e.closers, reg.Close)
	return e.reg, nil
}

func (e *env) primaryExporter() (*dbdump.Exporter, error) {
	if e.primary != nil {
		return e.primary, nil
	}
	if e.cfg.MongoURI == "" {
		return nil, trace.BadParameter("%v must be set for database operations", config.EnvMongoURI)
	}
	ex, err := dbdump.NewExporter(dbdump.Config{
		URI:    e.cfg.MongoURI,
		Logger: e.logs.Component(warden.ComponentExporter),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.primary = ex
	return ex, nil
}

// licenseExporter returns the license database exporter, nil when no
// license database is configured.
func (e *env) licenseExporter() (*dbdump.Exporter, error) {
	if e.licenseDBSet {
		return e.licenseDB, nil
	}
	if e.cfg.LicenseDBURI == "" {
		e.licenseDBSet = true
		return nil, nil
	}
	ex, err := dbdump.NewExporter(dbdump.Config{
		URI:    e.cfg.LicenseDBURI,
		Logger: e.logs.Component(warden.ComponentExporter),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.licenseDB, e.licenseDBSet = ex, true
	return ex, nil
}

// uploader returns the cloud replica store, nil when cloud replication
// is disabled.
func (e *env) uploader(ctx context.Context) (cloudstore.Uploader, error) {
	if e.storeBuilt {
		return e.store, nil
	}
	if !e.cfg.CloudEnabled {
		e.storeBuilt = true
		return nil, nil
	}
	switch e.cfg.CloudProvider {
	case "memory":
		// Local development store, replicas do not survive the process.
		e.store = memstore.New(nil)
	default:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:   e.cfg.S3.Bucket,
			Region:   e.cfg.S3.Region,
			Endpoint: e.cfg.S3.Endpoint,
			Logger:   e.logs.Component(warden.ComponentCloudStorage),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		e.store = store
	}
	e.storeBuilt = true
	return e.store, nil
}

func (e *env) keychain() (*backup.KeyStore, error) {
	if e.keys != nil {
		return e.keys, nil
	}
	keys, err := backup.NewKeyStore(backup.KeyStoreConfig{
		Dir:        filepath.Join(e.cfg.BaseDir, defaults.MetadataDir),
		SeedKeyHex: e.cfg.EncryptionKeyHex,
		Logger:     e.logs.Component(warden.ComponentBackup),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.keys = keys
	return keys, nil
}

func (e *env) engine(ctx context.Context) (*backup.Engine, error) {
	if e.eng != nil {
		return e.eng, nil
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	primary, err := e.primaryExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	databases := []backup.DatabaseExporter{primary}
	licExp, err := e.licenseExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if licExp != nil {
		databases = append(databases, licExp)
	}
	keys, err := e.keychain()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	eng, err := backup.NewEngine(backup.EngineConfig{
		BaseDir:     e.cfg.BaseDir,
		Registry:    reg,
		Databases:   databases,
		FilesDir:    e.cfg.UploadsDir,
		ConfigPaths: e.cfg.ConfigPaths,
		SourceDir:   e.cfg.SourceDir,
		Keys:        keys,
		Uploader:    up,
		Logger:      e.logs.Component(warden.ComponentBackup),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.eng = eng
	return eng, nil
}

func (e *env) retention(ctx context.Context) (*backup.Retention, error) {
	if e.ret != nil {
		return e.ret, nil
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ret, err := backup.NewRetention(backup.RetentionConfig{
		Registry: reg,
		Uploader: up,
		Logger:   e.logs.Component(warden.ComponentBackup),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.ret = ret
	return ret, nil
}

func (e *env) verifier(ctx context.Context) (*verify.Verifier, error) {
	if e.ver != nil {
		return e.ver, nil
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	primary, err := e.primaryExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keys, err := e.keychain()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	licExp, err := e.licenseExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	licName := ""
	if licExp != nil {
		licName = licExp.Database()
	}
	ver, err := verify.New(verify.Config{
		BaseDir:         e.cfg.BaseDir,
		Registry:        reg,
		Keys:            keys,
		Uploader:        up,
		PrimaryDatabase: primary.Database(),
		LicenseDatabase: licName,
		Logger:          e.logs.Component(warden.ComponentVerification),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.ver = ver
	return ver, nil
}

func (e *env) recoveryEngine(ctx context.Context) (*recovery.Engine, error) {
	if e.rec != nil {
		return e.rec, nil
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	primary, err := e.primaryExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	targets := []recovery.Target{primary}
	licExp, err := e.licenseExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	licName := ""
	if licExp != nil {
		targets = append(targets, licExp)
		licName = licExp.Database()
	}
	keys, err := e.keychain()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rec, err := recovery.New(recovery.Config{
		Dir:             filepath.Join(e.cfg.BaseDir, defaults.RecoveryDir),
		Registry:        reg,
		Targets:         targets,
		Keys:            keys,
		Uploader:        up,
		LicenseDatabase: licName,
		Logger:          e.logs.Component(warden.ComponentRecovery),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.rec = rec
	return rec, nil
}

func (e *env) monitor(ctx context.Context) (*monitor.Monitor, error) {
	if e.mon != nil {
		return e.mon, nil
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log := e.logs.Component(warden.ComponentMonitor)
	mon, err := monitor.New(monitor.Config{
		Registry: reg,
		Uploader: up,
		Notifier: lognotifier.New(log),
		Logger:   log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.mon = mon
	return mon, nil
}

// authority returns the license server client, nil when no server is
// configured.
func (e *env) authority() (*license.Authority, error) {
	if e.authBuilt {
		return e.auth, nil
	}
	if !e.cfg.LicenseServerConfigured() {
		e.authBuilt = true
		return nil, nil
	}
	auth, err := license.NewAuthority(license.AuthorityConfig{
		BaseURL: e.cfg.License.ServerURL,
		APIKey:  e.cfg.License.APIKey,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.auth, e.authBuilt = auth, true
	return auth, nil
}

func (e *env) licenseStore(ctx context.Context) (license.Store, error) {
	if e.licStore != nil {
		return e.licStore, nil
	}
	if e.cfg.LicenseDBURI == "" {
		return nil, trace.BadParameter("%v must be set for license operations", config.EnvLicenseDBURI)
	}
	store, err := mongostore.New(ctx, mongostore.Config{
		URI:    e.cfg.LicenseDBURI,
		Logger: e.logs.Component(warden.ComponentLicense),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.licStore = store
	e.closers = append(e.closers, store.Close)
	return store, nil
}

func (e *env) syncer(ctx context.Context) (*license.Syncer, error) {
	if e.sync != nil {
		return e.sync, nil
	}
	auth, err := e.authority()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if auth == nil {
		return nil, trace.BadParameter("%v must be set to sync licenses", config.EnvLicenseServerURL)
	}
	if e.cfg.License.CompanyID == "" {
		return nil, trace.BadParameter("%v must be set for license operations", config.EnvCompanyID)
	}
	store, err := e.licenseStore(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	usage, err := e.usageFunc()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	syncer, err := license.NewSyncer(license.SyncerConfig{
		Store:     store,
		Authority: auth,
		TenantID:  e.cfg.License.CompanyID,
		Secret:    e.cfg.IntegritySecret,
		Usage:     usage,
		Logger:    e.logs.Component(warden.ComponentLicenseSync),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.sync = syncer
	return syncer, nil
}

func (e *env) validator(ctx context.Context) (*license.Validator, error) {
	if e.valid != nil {
		return e.valid, nil
	}
	if e.cfg.License.CompanyID == "" {
		return nil, trace.BadParameter("%v must be set for license operations", config.EnvCompanyID)
	}
	store, err := e.licenseStore(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	auth, err := e.authority()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	usage, err := e.usageFunc()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Tenant state transitions stay off: the tenant directory belongs
	// to the application, warden has no standalone implementation of it.
	valid, err := license.NewValidator(license.ValidatorConfig{
		Store:     store,
		Authority: auth,
		TenantID:  e.cfg.License.CompanyID,
		Secret:    e.cfg.IntegritySecret,
		Usage:     usage,
		Logger:    e.logs.Component(warden.ComponentLicense),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.valid = valid
	return valid, nil
}

// usageFunc counts seat usage in the primary database's users
// collection. Nil when no primary database is configured, which turns
// usage reporting off.
func (e *env) usageFunc() (func(context.Context) (*license.Usage, error), error) {
	if e.cfg.MongoURI == "" {
		return nil, nil
	}
	ex, err := e.primaryExporter()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return func(ctx context.Context) (*license.Usage, error) {
		active, err := ex.Count(ctx, usersCollection, bson.D{{Key: "active", Value: true}})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		total, err := ex.Count(ctx, usersCollection, nil)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &license.Usage{ActiveUsers: int(active), TotalUsers: int(total)}, nil
	}, nil
}
