// Package catalog loads and serves the declarative configuration that drives
// ingestion.
//
// Three YAML documents live under the config directory:
//
//  1. **vendors.yaml** — tenants and their vendor accounts: API credentials,
//     webhook secrets, request rate limits, storage buckets.
//
//  2. **routing.yaml** — tenant databases and the robot serials that belong
//     to each. Every serial maps to exactly one database; overlap is a load
//     error and unmapped serials are skipped at ingest time.
//
//  3. **rules.yaml** — notification rules keyed by trigger name, with
//     template strings rendered when a trigger fires.
//
// Documents are parsed once at startup and can be re-read with Reload, which
// swaps the whole set atomically. Lookups are safe for concurrent use.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const (
	vendorsFile = "vendors.yaml"
	routingFile = "routing.yaml"
	rulesFile   = "rules.yaml"
)

var validate = validator.New()

// ── Document types ───────────────────────────────────────────

// Account is one vendor account held by a tenant.
type Account struct {
	Vendor        string            `yaml:"vendor" validate:"required"`
	BaseURL       string            `yaml:"base_url" validate:"required,url"`
	Enabled       *bool             `yaml:"enabled"`
	Credentials   map[string]string `yaml:"credentials"`
	WebhookSecret string            `yaml:"webhook_secret"`
	RateRPS       float64           `yaml:"rate_rps"`
	RateBurst     int               `yaml:"rate_burst"`
}

// Credential returns a named credential, or "" when absent.
func (a Account) Credential(name string) string {
	return a.Credentials[name]
}

// IsEnabled reports whether the account is active. Absent means enabled.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Tenant is one customer organization and its vendor accounts.
type Tenant struct {
	Name          string    `yaml:"name" validate:"required"`
	StorageBucket string    `yaml:"storage_bucket"`
	Accounts      []Account `yaml:"accounts" validate:"min=1,dive"`
}

// TenantAccount pairs an account with its owning tenant for flattened
// iteration.
type TenantAccount struct {
	Tenant  string
	Account Account
}

// Database is one tenant database and the serials routed to it.
type Database struct {
	Name    string   `yaml:"name" validate:"required"`
	DSN     string   `yaml:"dsn" validate:"required"`
	Tenant  string   `yaml:"tenant"`
	Serials []string `yaml:"serials" validate:"min=1"`
}

// Rule is one notification rule. Title and Message are templates with
// {{var}} placeholders substituted from the trigger's field set.
type Rule struct {
	Trigger  models.Trigger  `yaml:"trigger" validate:"required"`
	Severity models.Severity `yaml:"severity"`
	Title    string          `yaml:"title" validate:"required"`
	Message  string          `yaml:"message" validate:"required"`
	Icon     string          `yaml:"icon"`
	Disabled bool            `yaml:"disabled"`
}

type vendorsDoc struct {
	Tenants []Tenant `yaml:"tenants" validate:"min=1,dive"`
}

type routingDoc struct {
	Databases []Database `yaml:"databases" validate:"min=1,dive"`
}

type rulesDoc struct {
	Rules []Rule `yaml:"rules" validate:"dive"`
}

// ── Catalog ──────────────────────────────────────────────────

// Catalog is the loaded configuration set with thread-safe lookups.
type Catalog struct {
	dir string

	mu       sync.RWMutex
	tenants  []Tenant
	dbs      []Database
	rules    []Rule
	bySerial map[string]Database
	byDB     map[string]Database
	accounts map[string]Account // tenant + "/" + vendor
}

// Load reads and validates all documents under dir.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every document and swaps the loaded set atomically.
// On error the previous set stays in place.
func (c *Catalog) Reload() error {
	var vd vendorsDoc
	if err := readDoc(filepath.Join(c.dir, vendorsFile), &vd); err != nil {
		return err
	}
	var rd routingDoc
	if err := readDoc(filepath.Join(c.dir, routingFile), &rd); err != nil {
		return err
	}
	var nd rulesDoc
	if err := readDoc(filepath.Join(c.dir, rulesFile), &nd); err != nil {
		return err
	}

	bySerial := make(map[string]Database)
	byDB := make(map[string]Database)
	for _, db := range rd.Databases {
		if _, dup := byDB[db.Name]; dup {
			return fmt.Errorf("%s: duplicate database %q", routingFile, db.Name)
		}
		byDB[db.Name] = db
		for _, serial := range db.Serials {
			if prev, dup := bySerial[serial]; dup {
				return fmt.Errorf("%s: serial %q routed to both %q and %q",
					routingFile, serial, prev.Name, db.Name)
			}
			bySerial[serial] = db
		}
	}

	accounts := make(map[string]Account)
	for _, t := range vd.Tenants {
		for _, a := range t.Accounts {
			key := t.Name + "/" + a.Vendor
			if _, dup := accounts[key]; dup {
				return fmt.Errorf("%s: tenant %q declares vendor %q twice",
					vendorsFile, t.Name, a.Vendor)
			}
			accounts[key] = a
		}
	}

	rules := make([]Rule, 0, len(nd.Rules))
	for _, r := range nd.Rules {
		if !knownTrigger(r.Trigger) {
			return fmt.Errorf("%s: unknown trigger %q", rulesFile, r.Trigger)
		}
		if r.Severity == "" {
			r.Severity = defaultSeverity(r.Trigger)
		}
		rules = append(rules, r)
	}

	c.mu.Lock()
	c.tenants = vd.Tenants
	c.dbs = rd.Databases
	c.rules = rules
	c.bySerial = bySerial
	c.byDB = byDB
	c.accounts = accounts
	c.mu.Unlock()

	log.Info().
		Int("tenants", len(vd.Tenants)).
		Int("databases", len(rd.Databases)).
		Int("serials", len(bySerial)).
		Int("rules", len(rules)).
		Msg("Catalog loaded")
	return nil
}

func readDoc(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ── Lookups ──────────────────────────────────────────────────

// Tenants returns all configured tenants.
func (c *Catalog) Tenants() []Tenant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tenant, len(c.tenants))
	copy(out, c.tenants)
	return out
}

// Tenant returns one tenant by name.
func (c *Catalog) Tenant(name string) (Tenant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tenants {
		if t.Name == name {
			return t, true
		}
	}
	return Tenant{}, false
}

// Account returns the account a tenant holds with a vendor.
func (c *Catalog) Account(tenant, vendor string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[tenant+"/"+vendor]
	return a, ok
}

// Accounts returns every enabled (tenant, account) pair across all
// tenants. Disabled accounts are invisible to the poller, the adapter
// registry, and webhook verification alike.
func (c *Catalog) Accounts() []TenantAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []TenantAccount
	for _, t := range c.tenants {
		for _, a := range t.Accounts {
			if !a.IsEnabled() {
				continue
			}
			out = append(out, TenantAccount{Tenant: t.Name, Account: a})
		}
	}
	return out
}

// EnabledVendors returns the vendors a tenant has active accounts with.
func (c *Catalog) EnabledVendors(tenant string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, t := range c.tenants {
		if t.Name != tenant {
			continue
		}
		for _, a := range t.Accounts {
			if a.IsEnabled() {
				out = append(out, a.Vendor)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Databases returns all tenant databases.
func (c *Catalog) Databases() []Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Database, len(c.dbs))
	copy(out, c.dbs)
	return out
}

// DatabaseForSerial resolves the database a serial is routed to.
func (c *Catalog) DatabaseForSerial(serial string) (Database, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.bySerial[serial]
	return db, ok
}

// DatabaseByName returns a database by its routing name.
func (c *Catalog) DatabaseByName(name string) (Database, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.byDB[name]
	return db, ok
}

// Serials returns every routed serial, sorted.
func (c *Catalog) Serials() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.bySerial))
	for s := range c.bySerial {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SerialCount returns the number of routed serials.
func (c *Catalog) SerialCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySerial)
}

// Rules returns all loaded notification rules, disabled ones included.
func (c *Catalog) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// RulesForTrigger returns the enabled rules bound to a trigger.
func (c *Catalog) RulesForTrigger(tr models.Trigger) []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Rule
	for _, r := range c.rules {
		if r.Trigger == tr && !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}

// StorageBucket resolves the media bucket for a tenant. An environment
// override wins over the document value.
func (c *Catalog) StorageBucket(tenant string) string {
	if v, ok := config.StorageBucketOverride(tenant); ok {
		return v
	}
	t, ok := c.Tenant(tenant)
	if !ok {
		return ""
	}
	return t.StorageBucket
}

// ── Trigger helpers ──────────────────────────────────────────

func knownTrigger(tr models.Trigger) bool {
	switch tr {
	case models.TriggerBatteryCritical, models.TriggerBatteryLow,
		models.TriggerBatteryRecovered, models.TriggerRobotOffline,
		models.TriggerRobotOnline, models.TriggerIncident,
		models.TriggerTaskCompleted, models.TriggerTaskFailed:
		return true
	}
	return false
}

func defaultSeverity(tr models.Trigger) models.Severity {
	switch tr {
	case models.TriggerRobotOffline, models.TriggerTaskFailed:
		return models.SeverityError
	case models.TriggerBatteryCritical, models.TriggerIncident:
		return models.SeverityFatal
	case models.TriggerBatteryLow:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
