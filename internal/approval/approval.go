// Package approval decides whether a checkpoint is approved automatically and
// how per-run options are resolved.
package approval

import (
	"strings"

	"github.com/mpataki/levelup/internal/models"
)

// AutoApproveKey is the ticket metadata key that overrides the project
// default.
const AutoApproveKey = "auto_approve"

// Source names where an auto-approve decision came from.
type Source string

const (
	SourceTicket  Source = "ticket"
	SourceProject Source = "project"
)

// runOptionKeys are legacy ticket metadata keys. Run options are never read
// from tickets.
var runOptionKeys = []string{"model", "effort", "skip_planning"}

// ResolveAutoApprove applies the precedence ticket metadata, then project
// default. A missing, empty or malformed ticket value falls through to the
// project default.
func ResolveAutoApprove(ticketMetadata map[string]any, projectDefault bool) (bool, Source) {
	if v, ok := ticketFlag(ticketMetadata); ok {
		return v, SourceTicket
	}
	return projectDefault, SourceProject
}

func ticketFlag(meta map[string]any) (bool, bool) {
	raw, ok := meta[AutoApproveKey]
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Overrides are options given explicitly for one invocation. Empty strings
// and a nil SkipPlanning mean "not given".
type Overrides struct {
	Model        string
	Effort       string
	SkipPlanning *bool
}

// ResolveRunOptions layers explicit overrides over configured defaults.
func ResolveRunOptions(overrides Overrides, defaults models.RunOptions) models.RunOptions {
	opts := defaults
	if overrides.Model != "" {
		opts.Model = overrides.Model
	}
	if overrides.Effort != "" {
		opts.Effort = overrides.Effort
	}
	if overrides.SkipPlanning != nil {
		opts.SkipPlanning = *overrides.SkipPlanning
	}
	return opts
}

// StripRunOptions returns a copy of metadata without legacy run option keys.
// It returns nil when nothing else remains.
func StripRunOptions(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if isRunOptionKey(k) {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isRunOptionKey(k string) bool {
	for _, key := range runOptionKeys {
		if k == key {
			return true
		}
	}
	return false
}
