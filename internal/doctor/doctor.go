// Package doctor validates stagerd configuration and the helper setup.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/stagerd/internal/command"
	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/dispatch"
	"github.com/mattjoyce/stagerd/internal/storage"
)

// minTickInterval is the shortest tick that is not a busy loop.
const minTickInterval = 100 * time.Millisecond

var (
	templateVarRe    = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)
	quotedTemplateRe = regexp.MustCompile(`["']\$(URLTOSTAGE|TREENAME)\b`)
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg       *config.Config
	inspectFS func(string) (storage.Filesystem, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, inspectFS: storage.InspectFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateStaging(r)
	d.validateTemplate(r)
	d.validateSupervisor(r)
	d.validateHistory(r)
	d.validateAPI(r)
	d.validateWebhooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	tick := d.cfg.Service.TickInterval
	switch {
	case tick <= 0:
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	case tick < minTickInterval:
		d.addWarning(r, "service", "service.tick_interval",
			fmt.Sprintf("tick_interval %s is very short; the loop will spin", tick))
	}
}

func (d *Doctor) validateStaging(r *Result) {
	s := d.cfg.Staging
	if s.MaxParallel < 1 {
		d.addError(r, "staging", "staging.max_parallel", "max_parallel must be at least 1")
	}
	if s.MaxFailures < 0 {
		d.addError(r, "staging", "staging.max_failures", "max_failures must not be negative")
	}
	if s.MaxFailures == 0 {
		d.addWarning(r, "staging", "staging.max_failures",
			"max_failures is 0: failing URLs are retried forever")
	}
	if s.Timeout == 0 {
		d.addWarning(r, "staging", "staging.timeout",
			"timeout is 0: a hung staging command occupies its slot forever")
	} else if s.Timeout < d.cfg.Service.TickInterval {
		d.addWarning(r, "staging", "staging.timeout",
			fmt.Sprintf("timeout %s is shorter than tick_interval %s; it is only checked once per tick", s.Timeout, d.cfg.Service.TickInterval))
	}
}

// validateTemplate checks the staging command and its $NAME variables.
func (d *Doctor) validateTemplate(r *Result) {
	tmpl := d.cfg.Staging.Command
	if strings.TrimSpace(tmpl) == "" {
		d.addError(r, "template", "staging.command", "staging.command is required")
		return
	}
	if !strings.Contains(tmpl, dispatch.VarURL) {
		d.addWarning(r, "template", "staging.command",
			fmt.Sprintf("command does not use %s; the URL will be appended as the last argument", dispatch.VarURL))
	}
	if m := quotedTemplateRe.FindString(tmpl); m != "" {
		d.addWarning(r, "template", "staging.command",
			fmt.Sprintf("%s is already shell-quoted on substitution; remove the surrounding quotes", m[1:]))
	}
	for _, v := range templateVarRe.FindAllString(tmpl, -1) {
		if v != dispatch.VarURL && v != dispatch.VarTree {
			d.addWarning(r, "template", "staging.command",
				fmt.Sprintf("%s is not a template variable and is left to the shell", v))
		}
	}
}

func (d *Doctor) validateSupervisor(r *Result) {
	sup := d.cfg.Supervisor
	cfg := &command.Config{HelperPath: sup.HelperPath, TempDir: sup.TempDir}
	if err := cfg.Validate(); err != nil {
		d.addError(r, "supervisor", "supervisor", err.Error())
		return
	}

	scratch, err := os.CreateTemp(sup.TempDir, ".doctor-*")
	if err != nil {
		d.addError(r, "supervisor", "supervisor.temp_dir",
			fmt.Sprintf("temp dir %s is not writable: %v", sup.TempDir, err))
		return
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	// Attribute caching on network mounts delays pidfiles past the timeout.
	if fs, err := d.inspectFS(sup.TempDir); err == nil && fs.Network {
		d.addWarning(r, "supervisor", "supervisor.temp_dir",
			fmt.Sprintf("temp dir %s is on network filesystem %s; pidfiles may appear late", sup.TempDir, fs.Type))
	}
}

func (d *Doctor) validateHistory(r *Result) {
	h := d.cfg.History
	if !h.Enabled {
		return
	}
	if h.Path == "" {
		d.addError(r, "history", "history.path", "history.path is required when history is enabled")
		return
	}
	if info, err := os.Stat(filepath.Dir(h.Path)); err == nil && !info.IsDir() {
		d.addError(r, "history", "history.path",
			fmt.Sprintf("parent of %s is not a directory", h.Path))
	}
	if h.Retention <= 0 {
		d.addWarning(r, "history", "history.retention", "retention is 0: the history log grows forever")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if api.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key", "API enabled but no api_key configured; all routes are open")
	}
}

func (d *Doctor) validateWebhooks(r *Result) {
	wh := d.cfg.Webhooks
	if !wh.Enabled() {
		return
	}
	if d.cfg.API.Enabled && wh.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %s is also the api.listen address", wh.Listen))
	}
	for i, ep := range wh.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret", "secret is shorter than 16 characters")
		}
		if ep.Tree == "" && d.cfg.Staging.DefaultTree == "" && strings.Contains(d.cfg.Staging.Command, dispatch.VarTree) {
			d.addWarning(r, "webhooks", field+".tree",
				fmt.Sprintf("no tree and no staging.default_tree: %s expands to nothing for pushes without a tree", dispatch.VarTree))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
