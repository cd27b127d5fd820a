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

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
)

// License is the license server's license document. The typed fields
// project what warden reads; Raw preserves the exact payload for
// encryption at rest.
type License struct {
	LicenseID     string
	LicenseNumber string
	CompanyID     string
	Type          string
	Status        string
	ExpiresAt     time.Time
	MaxUsers      int
	Modules       []string
	EncryptionKey string
	Raw           json.RawMessage
}

type licenseWire struct {
	LicenseID     string    `json:"licenseId"`
	LicenseNumber string    `json:"licenseNumber"`
	CompanyID     string    `json:"companyId"`
	LicenseType   string    `json:"licenseType"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Limits        struct {
		MaxUsers int `json:"maxUsers"`
	} `json:"limits"`
	Modules []struct {
		ModuleID string `json:"moduleId"`
	} `json:"modules"`
	EncryptionKey string `json:"encryptionKey"`
}

// ParseLicense projects a raw license document into a License.
func ParseLicense(raw []byte) (*License, error) {
	var w licenseWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, trace.BadParameter("malformed license document: %v", err)
	}
	if w.LicenseID == "" {
		return nil, trace.BadParameter("license document is missing licenseId")
	}
	lic := &License{
		LicenseID:     w.LicenseID,
		LicenseNumber: w.LicenseNumber,
		CompanyID:     w.CompanyID,
		Type:          w.LicenseType,
		Status:        w.Status,
		ExpiresAt:     w.ExpiresAt,
		MaxUsers:      w.Limits.MaxUsers,
		EncryptionKey: w.EncryptionKey,
		Raw:           append(json.RawMessage(nil), raw...),
	}
	for _, m := range w.Modules {
		lic.Modules = append(lic.Modules, m.ModuleID)
	}
	return lic, nil
}

// Usage is the tenant's seat usage reported to the license server.
type Usage struct {
	ActiveUsers int `json:"activeUsers"`
	TotalUsers  int `json:"totalUsers,omitempty"`
}

// ValidateResponse is the license server's validation verdict.
type ValidateResponse struct {
	Valid     bool      `json:"valid"`
	Error     string    `json:"error,omitempty"`
	Features  []string  `json:"features,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// AuthorityConfig configures the license server client.
type AuthorityConfig struct {
	// BaseURL is the license server root.
	BaseURL string
	// APIKey is the bearer credential.
	APIKey string
	// Client overrides the HTTP client.
	Client *http.Client
	// Clock stamps outgoing requests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuthorityConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing license server URL")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("license server URL %q is not an absolute URL", c.BaseURL)
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing license server API key")
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authority talks to the license server. All calls carry the bearer
// credential and a bounded timeout; transport failures come back as
// connection problems so callers can fall over to offline validation.
type Authority struct {
	cfg AuthorityConfig
}

// NewAuthority returns an Authority for the given configuration.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authority{cfg: cfg}, nil
}

// FetchLicense retrieves the tenant's current license.
func (a *Authority) FetchLicense(ctx context.Context, tenantID string) (*License, error) {
	var reply struct {
		License json.RawMessage `json:"license"`
	}
	err := a.do(ctx, defaults.LicenseSyncTimeout,
		http.MethodGet, "/licenses/company/"+url.PathEscape(tenantID), nil, &reply)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(reply.License) == 0 {
		return nil, trace.NotFound("license server returned no license for tenant %v", tenantID)
	}
	lic, err := ParseLicense(reply.License)
	return lic, trace.Wrap(err)
}

// Validate asks the license server for a verdict on the license.
func (a *Authority) Validate(ctx context.Context, licenseID string, usage *Usage) (*ValidateResponse, error) {
	body := struct {
		LicenseID string    `json:"licenseId"`
		Timestamp time.Time `json:"timestamp"`
		Usage     *Usage    `json:"usage,omitempty"`
	}{
		LicenseID: licenseID,
		Timestamp: a.cfg.Clock.Now().UTC(),
		Usage:     usage,
	}
	var reply ValidateResponse
	err := a.do(ctx, defaults.LicenseValidateTimeout,
		http.MethodPost, "/licenses/"+url.PathEscape(licenseID)+"/validate", body, &reply)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &reply, nil
}

// ReportUsage reports current seat usage for the license.
func (a *Authority) ReportUsage(ctx context.Context, licenseID string, usage Usage) error {
	body := struct {
		LicenseID string    `json:"licenseId"`
		Usage     Usage     `json:"usage"`
		Timestamp time.Time `json:"timestamp"`
	}{
		LicenseID: licenseID,
		Usage:     usage,
		Timestamp: a.cfg.Clock.Now().UTC(),
	}
	var reply struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	err := a.do(ctx, defaults.LicenseSyncTimeout,
		http.MethodPut, "/licenses/"+url.PathEscape(licenseID)+"/usage", body, &reply)
	if err != nil {
		return trace.Wrap(err)
	}
	if !reply.Success {
		return trace.BadParameter("license server rejected the usage report: %s", reply.Result)
	}
	return nil
}

// Health probes the license server's liveness endpoint.
func (a *Authority) Health(ctx context.Context) error {
	return trace.Wrap(a.do(ctx, defaults.LicenseValidateTimeout,
		http.MethodGet, "/health", nil, nil))
}

func (a *Authority) do(ctx context.Context, timeout time.Duration, method, path string, body, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.BaseURL, "/")+path, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("User-Agent", warden.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "license server is not reachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return trace.NotFound("license server has no record of %v", path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return trace.AccessDenied("license server rejected the API credentials")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return trace.ConnectionProblem(nil, "license server returned HTTP %d", resp.StatusCode)
	}
	if reply == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return trace.ConnectionProblem(err, "license server reply could not be read")
	}
	if err := json.Unmarshal(data, reply); err != nil {
		return trace.BadParameter("license server reply is not valid JSON: %v", err)
	}
	return nil
}
