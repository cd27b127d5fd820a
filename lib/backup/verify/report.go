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

package verify

import (
	"fmt"
	"time"

	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/defaults"
)

// Phase names, in report order.
const (
	PhaseBasic       = "basic-integrity"
	PhaseComponents  = "components"
	PhaseCloud       = "cloud-storage"
	PhaseDatabase    = "database-content"
	PhaseRestoration = "restoration"
)

// TestStatus is the outcome of a single verification test.
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestWarning TestStatus = "warning"
	TestFailed  TestStatus = "failed"
)

// TestResult is one check inside a phase.
type TestResult struct {
	Name    string     `json:"name"`
	Status  TestStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Phase groups the tests of one verification stage. Only passed tests
// count toward the score, a warning lowers it the same way a failure
// does.
type Phase struct {
	Name    string              `json:"name"`
	Status  backup.VerifyStatus `json:"status,omitempty"`
	Score   float64             `json:"score"`
	Skipped bool                `json:"skipped,omitempty"`
	Tests   []TestResult        `json:"tests,omitempty"`
}

// Recommendation severities.
const (
	SeverityCritical    = "critical"
	SeverityWarning     = "warning"
	SeverityImprovement = "improvement"
	SeveritySuggestion  = "suggestion"
)

// Recommendation is advice derived from the phase outcomes.
type Recommendation struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Report is the result of verifying one backup run.
type Report struct {
	// ID uniquely names this verification.
	ID string `json:"id"`
	// BackupID is the verified run.
	BackupID  string        `json:"backupId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Phases    []Phase       `json:"phases"`
	// OverallScore is the arithmetic mean of the phase scores, skipped
	// phases excluded.
	OverallScore    float64             `json:"overallScore"`
	Status          backup.VerifyStatus `json:"status"`
	Recommendations []Recommendation    `json:"recommendations,omitempty"`

	// Path is where the report file was written. Empty when writing it
	// failed.
	Path string `json:"-"`
}

// finish computes the overall score, the verdict and the recommendations
// once every phase ran.
func (r *Report) finish(now time.Time) {
	var sum float64
	var counted int
	var anyFailed, anyWarned, restorationSkipped bool
	for _, p := range r.Phases {
		if p.Skipped {
			if p.Name == PhaseRestoration {
				restorationSkipped = true
			}
			continue
		}
		sum += p.Score
		counted++
		switch p.Status {
		case backup.VerifyFailed:
			anyFailed = true
		case backup.VerifyWarning:
			anyWarned = true
		}
	}
	if counted > 0 {
		r.OverallScore = sum / float64(counted)
	}
	r.Status = statusFor(r.OverallScore)
	if anyFailed {
		r.recommend(SeverityCritical, "At least one verification phase failed, do not rely on this backup until the failures are resolved.")
	}
	if anyWarned {
		r.recommend(SeverityWarning, "At least one verification phase is degraded, review its tests.")
	}
	if r.OverallScore < defaults.VerifyScoreGood {
		r.recommend(SeverityImprovement, fmt.Sprintf("Overall score %.0f is low, consider producing a fresh backup.", r.OverallScore))
	}
	if restorationSkipped {
		r.recommend(SeveritySuggestion, "Restoration testing is disabled, enable it to exercise the full recovery path.")
	}
	r.Duration = now.Sub(r.StartedAt)
}

func (r *Report) recommend(severity, message string) {
	r.Recommendations = append(r.Recommendations, Recommendation{Severity: severity, Message: message})
}

// statusFor maps a score onto the verdict scale.
func statusFor(score float64) backup.VerifyStatus {
	switch {
	case score >= defaults.VerifyScoreExcellent:
		return backup.VerifyExcellent
	case score >= defaults.VerifyScoreGood:
		return backup.VerifyGood
	case score >= defaults.VerifyScoreWarning:
		return backup.VerifyWarning
	default:
		return backup.VerifyFailed
	}
}

// phaseBuilder accumulates test results and scores them into a Phase.
type phaseBuilder struct {
	name  string
	tests []TestResult
}

func newPhase(name string) *phaseBuilder {
	return &phaseBuilder{name: name}
}

func (b *phaseBuilder) pass(test string) {
	b.add(TestPassed, test, "")
}

func (b *phaseBuilder) passf(test, format string, args ...any) {
	b.add(TestPassed, test, fmt.Sprintf(format, args...))
}

func (b *phaseBuilder) warnf(test, format string, args ...any) {
	b.add(TestWarning, test, fmt.Sprintf(format, args...))
}

func (b *phaseBuilder) failf(test, format string, args ...any) {
	b.add(TestFailed, test, fmt.Sprintf(format, args...))
}

func (b *phaseBuilder) add(status TestStatus, test, message string) {
	b.tests = append(b.tests, TestResult{Name: test, Status: status, Message: message})
}

// scored closes the builder and grades the phase by its score.
func (b *phaseBuilder) scored() Phase {
	passed := 0
	for _, t := range b.tests {
		if t.Status == TestPassed {
			passed++
		}
	}
	var score float64
	if len(b.tests) > 0 {
		score = 100 * float64(passed) / float64(len(b.tests))
	}
	return Phase{Name: b.name, Status: statusFor(score), Score: score, Tests: b.tests}
}

func skippedPhase(name string) Phase {
	return Phase{Name: name, Skipped: true}
}
