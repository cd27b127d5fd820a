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

package recovery

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden/lib/dbdump"
)

// IssueSeverity grades a detected problem.
type IssueSeverity string

const (
	// IssueWarning flags a problem that leaves the data readable.
	IssueWarning IssueSeverity = "warning"
	// IssueCritical flags corruption or an unreachable store.
	IssueCritical IssueSeverity = "critical"
)

// Issue is one problem a corruption scan found.
type Issue struct {
	// Collection is the collection the issue belongs to, empty for
	// database-wide problems.
	Collection string `json:"collection,omitempty"`
	// Type classifies the source of the issue, connection or validation.
	Type string `json:"type"`
	// Message is the store's description of the problem.
	Message string `json:"message"`
	// Severity grades the issue.
	Severity IssueSeverity `json:"severity"`
}

// Issue types.
const (
	issueConnection = "connection"
	issueValidation = "validation"
)

// Health is the overall verdict of a corruption scan.
type Health string

const (
	// Healthy means every collection validated clean.
	Healthy Health = "healthy"
	// Corrupted means at least one collection failed validation.
	Corrupted Health = "corrupted"
	// Unscannable means the scan itself could not run.
	Unscannable Health = "error"
)

// DetectionReport is the outcome of a corruption scan of one database.
type DetectionReport struct {
	// Database is the scanned logical database.
	Database string `json:"database"`
	// Status is the overall health verdict.
	Status Health `json:"status"`
	// ScannedAt is when the scan ran.
	ScannedAt time.Time `json:"scannedAt"`
	// Collections is how many collections were validated.
	Collections int `json:"collections"`
	// Issues lists every problem found, empty when the database is
	// clean.
	Issues []Issue `json:"issues,omitempty"`
}

// Critical reports whether the scan found at least one critical issue.
func (r *DetectionReport) Critical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == IssueCritical {
			return true
		}
	}
	return false
}

// Detect runs the store's validate command over every collection of db
// and grades the outcome. Validation errors mark the database corrupted,
// validation warnings are recorded but leave it healthy. A database that
// cannot be scanned at all reports Unscannable instead of an error, the
// report is the diagnosis either way.
func (e *Engine) Detect(ctx context.Context, db string) (*DetectionReport, error) {
	t, err := e.target(db)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	report := &DetectionReport{Database: db, ScannedAt: e.cfg.Clock.Now().UTC()}

	conn, err := t.Connect(ctx)
	if err != nil {
		report.Status = Unscannable
		report.Issues = append(report.Issues, Issue{
			Type:     issueConnection,
			Message:  err.Error(),
			Severity: IssueCritical,
		})
		e.cfg.Logger.WarnContext(ctx, "Corruption scan could not connect.", "database", db, "error", err)
		return report, nil
	}
	defer conn.Close(ctx)

	collections, err := conn.ListCollections(ctx, db)
	if err != nil {
		report.Status = Unscannable
		report.Issues = append(report.Issues, Issue{
			Type:     issueConnection,
			Message:  err.Error(),
			Severity: IssueCritical,
		})
		e.cfg.Logger.WarnContext(ctx, "Corruption scan could not list collections.", "database", db, "error", err)
		return report, nil
	}

	for _, coll := range collections {
		report.Issues = append(report.Issues, validateCollection(ctx, conn, db, coll)...)
	}
	report.Collections = len(collections)
	if report.Critical() {
		report.Status = Corrupted
	} else {
		report.Status = Healthy
	}
	e.cfg.Logger.InfoContext(ctx, "Corruption scan finished.",
		"database", db, "status", report.Status, "collections", report.Collections, "issues", len(report.Issues))
	return report, nil
}

// validateCollection runs validate on one collection and converts the
// reply into issues.
func validateCollection(ctx context.Context, conn dbdump.Conn, db, coll string) []Issue {
	raw, err := conn.RunCommand(ctx, db, bson.D{{Key: "validate", Value: coll}})
	if err != nil {
		return []Issue{{
			Collection: coll,
			Type:       issueValidation,
			Message:    err.Error(),
			Severity:   IssueCritical,
		}}
	}
	return validationIssues(coll, raw)
}

// validationIssues turns a validate reply into issues. A reply without a
// valid field counts as clean, the command itself succeeded.
func validationIssues(coll string, raw bson.Raw) []Issue {
	var issues []Issue
	if valid, ok := raw.Lookup("valid").BooleanOK(); ok && !valid {
		msgs := rawStrings(raw.Lookup("errors"))
		if len(msgs) == 0 {
			msgs = []string{"collection failed validation"}
		}
		for _, msg := range msgs {
			issues = append(issues, Issue{
				Collection: coll,
				Type:       issueValidation,
				Message:    msg,
				Severity:   IssueCritical,
			})
		}
	}
	for _, msg := range rawStrings(raw.Lookup("warnings")) {
		issues = append(issues, Issue{
			Collection: coll,
			Type:       issueValidation,
			Message:    msg,
			Severity:   IssueWarning,
		})
	}
	return issues
}

// rawStrings extracts the string elements of a BSON array value. Other
// element types are ignored.
func rawStrings(rv bson.RawValue) []string {
	arr, ok := rv.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	var out []string
	for _, v := range values {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}
