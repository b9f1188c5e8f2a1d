// Package safety provides tool execution authorization.
package safety

import (
	"fmt"
	"regexp"
	"time"

	"github.com/turnloop/turnloop/internal/tools"
)

// Context holds information about a pending tool execution.
type Context struct {
	Tool      string
	Tier      int
	Arguments map[string]any
	TurnID    string
}

// Decision is the result of an authorization check.
type Decision struct {
	Allow            bool
	RequiresApproval bool // tier exceeds auto-approve but interactive approval is possible
	Reason           string
	Tier             int
	Ts               time.Time
	TurnID           string
}

// Analyzer evaluates whether a tool execution should proceed.
type Analyzer interface {
	Evaluate(ctx Context) Decision
}

// riskyCommandPatterns escalate a shell command to high risk even when the
// tool's declared tier is lower.
var riskyCommandPatterns = []string{
	`\bsudo\b`,
	`\bcurl\b.*\|\s*(sh|bash)\b`,
	`\bwget\b.*\|\s*(sh|bash)\b`,
	`\bgit\s+push\s+.*--force\b`,
	`\bnpm\s+publish\b`,
	`\bdocker\s+(rm|rmi|system\s+prune)\b`,
	`\bkill\s+-9\b`,
}

// DefaultAnalyzer is the tier-based analyzer.
// Tier 0 tools are always allowed; tools above MaxAutoTier require
// interactive approval. Shell commands matching a risky pattern are
// escalated to high risk before the tier check.
type DefaultAnalyzer struct {
	// MaxAutoTier is the highest tier that is auto-approved (default: 1).
	MaxAutoTier int

	riskyRegexes []*regexp.Regexp
}

// NewDefaultAnalyzer creates an analyzer with sensible defaults.
func NewDefaultAnalyzer() *DefaultAnalyzer {
	a := &DefaultAnalyzer{MaxAutoTier: 1}
	for _, pattern := range riskyCommandPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			a.riskyRegexes = append(a.riskyRegexes, re)
		}
	}
	return a
}

// Evaluate checks the tool tier, escalating risky shell commands first.
func (a *DefaultAnalyzer) Evaluate(ctx Context) Decision {
	d := Decision{
		Tier:   ctx.Tier,
		Ts:     time.Now(),
		TurnID: ctx.TurnID,
	}

	tier := ctx.Tier
	if ctx.Tool == "exec" {
		if cmd, ok := ctx.Arguments["command"].(string); ok && a.isRisky(cmd) {
			tier = tools.TierHighRisk
			d.Tier = tier
		}
	}

	// Tier 0 tools are always allowed
	if tier == tools.TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	if tier > a.MaxAutoTier {
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("tier_%d_requires_approval", tier)
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_auto_approved", tier)
	return d
}

func (a *DefaultAnalyzer) isRisky(command string) bool {
	for _, re := range a.riskyRegexes {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
