// Package commands implements the owner command surface over the chat
// transport: a closed set of reserved prefixes recognized and dispatched
// without ever entering the Request lifecycle (no queueing, no Router, no
// Streaming Client). Grounded on the teacher's internal/channels callback
// parsing style (small, explicit, string-prefix dispatch) generalized from
// one HITL callback format to the six reserved prefixes.
package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/ops"
	"github.com/Pavua/krab/internal/persistence"
	"github.com/Pavua/krab/internal/policy"
	"github.com/Pavua/krab/internal/router"
)

// Prefixes is the closed set of reserved owner-command prefixes. A message
// not matching one of these is ordinary chat content and is routed through
// the Request lifecycle instead.
var Prefixes = []string{"!policy", "!ctx", "!model", "!ops", "!mood", "!reactions"}

// blockedNotOwnerReply is the rejection reply for a mutating command issued
// by a non-owner, carrying the blocked_not_owner code spec.md §8 scenario 5
// requires — distinguishable from the empty string Dispatch returns for an
// unrecognized prefix.
const blockedNotOwnerReply = "blocked_not_owner: only the bot owner can change policy here"

// Parse reports whether payload begins with one of Prefixes, returning the
// matched prefix and the remaining argument text.
func Parse(payload string) (prefix, rest string, ok bool) {
	trimmed := strings.TrimSpace(payload)
	for _, p := range Prefixes {
		if trimmed == p {
			return p, "", true
		}
		if strings.HasPrefix(trimmed, p+" ") {
			return p, strings.TrimSpace(trimmed[len(p):]), true
		}
	}
	return "", "", false
}

// ModelCatalog is the narrow read interface Dispatcher needs from the
// Router for `!model`. Implemented by *router.Router.
type ModelCatalog interface {
	Catalog() []router.CatalogEntry
}

// OpsView is the narrow read interface Dispatcher needs from Ops Telemetry
// for `!ops`. Implemented by *ops.Ops.
type OpsView interface {
	Snapshot() ops.Snapshot
	Alerts() []ops.Alert
}

// MoodView is the narrow read interface Dispatcher needs from the Reaction
// & Mood Engine for `!mood`. Implemented by *mood.Engine.
type MoodView interface {
	Snapshot(chatID corekit.ChatId) corekit.MoodSnapshot
}

// ReactionsView is the narrow read interface Dispatcher needs from the
// durability layer for `!reactions`. Implemented by *persistence.Store.
type ReactionsView interface {
	ListReactions(chatID string, limit int) ([]persistence.ReactionRecord, error)
}

// Dispatcher routes a recognized owner command to the package that owns its
// state, never touching the Request lifecycle. Every field is optional; a
// command whose backing view is nil reports itself unavailable rather than
// panicking, so a deployment can wire only the surfaces it needs.
type Dispatcher struct {
	Policy    *policy.Store
	Models    ModelCatalog
	Ops       OpsView
	Mood      MoodView
	Reactions ReactionsView
}

// Dispatch handles a recognized command and returns the reply text. The
// caller is responsible for having already verified the message matched one
// of Prefixes via Parse.
func (d *Dispatcher) Dispatch(chatID corekit.ChatId, authorID string, isGroupChat bool, prefix, args string) string {
	switch prefix {
	case "!policy":
		return d.handlePolicy(chatID, authorID, isGroupChat, args)
	case "!ctx":
		return d.handleCtx(chatID)
	case "!model":
		return d.handleModel()
	case "!ops":
		return d.handleOps(args)
	case "!mood":
		return d.handleMood(chatID)
	case "!reactions":
		return d.handleReactions(chatID)
	default:
		return ""
	}
}

// handlePolicy is the only mutating command; every other prefix is
// read-only, so only this one needs the owner/group gate.
func (d *Dispatcher) handlePolicy(chatID corekit.ChatId, authorID string, isGroupChat bool, args string) string {
	if d.Policy == nil {
		return "policy store unavailable"
	}
	if !d.Policy.CanMutate(chatID, authorID, isGroupChat) {
		return blockedNotOwnerReply
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		snap := d.Policy.Snapshot(chatID)
		return fmt.Sprintf(
			"force_mode=%s persona=%q reply_enabled=%v group_reply_mode=%s rate_limit=%d confirm_expensive=%v max_output_chars=%d allow_owner_commands_in_group=%v",
			snap.ForceMode, snap.Persona, snap.ReplyEnabled, snap.GroupReplyMode,
			snap.RateLimitPerMinute, snap.ConfirmExpensive, snap.MaxOutputChars, snap.AllowOwnerCommandsInGroup,
		)
	}

	key := fields[0]
	value := strings.Join(fields[1:], " ")
	var mutateErr error
	err := d.Policy.Mutate(chatID, func(p *policy.Policy) {
		mutateErr = applyPolicyField(p, key, value)
	})
	if err != nil {
		return fmt.Sprintf("policy mutation failed: %v", err)
	}
	if mutateErr != nil {
		return mutateErr.Error()
	}
	return "policy updated"
}

func applyPolicyField(p *policy.Policy, key, value string) error {
	switch key {
	case "force_mode":
		m := corekit.ForceMode(value)
		if m != corekit.ForceModeAuto && m != corekit.ForceModeLocal && m != corekit.ForceModeCloud {
			return fmt.Errorf("unknown force_mode %q", value)
		}
		p.ForceMode = m
	case "persona":
		p.Persona = value
	case "reply_enabled":
		p.ReplyEnabled = isTruthy(value)
	case "group_reply_mode":
		m := corekit.GroupReplyMode(value)
		if m != corekit.GroupReplyMentionOnly && m != corekit.GroupReplyAlways && m != corekit.GroupReplyOff {
			return fmt.Errorf("unknown group_reply_mode %q", value)
		}
		p.GroupReplyMode = m
	case "rate_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("rate_limit must be an integer: %w", err)
		}
		p.RateLimitPerMinute = n
	case "confirm_expensive":
		p.ConfirmExpensive = isTruthy(value)
	case "max_output_chars":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_output_chars must be an integer: %w", err)
		}
		p.MaxOutputChars = n
	case "allow_owner_commands_in_group":
		p.AllowOwnerCommandsInGroup = isTruthy(value)
	default:
		return fmt.Errorf("unknown policy field %q", key)
	}
	return nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "true", "on", "1", "yes":
		return true
	}
	return false
}

func (d *Dispatcher) handleCtx(chatID corekit.ChatId) string {
	if d.Policy == nil {
		return "policy store unavailable"
	}
	snap := d.Policy.Snapshot(chatID)
	return fmt.Sprintf("chat_id=%s policy_version=%s persona=%q reply_enabled=%v",
		chatID, snap.Version, snap.Persona, snap.ReplyEnabled)
}

func (d *Dispatcher) handleModel() string {
	if d.Models == nil {
		return "model catalog unavailable"
	}
	entries := d.Models.Catalog()
	if len(entries) == 0 {
		return "no models registered"
	}
	var b strings.Builder
	for _, e := range entries {
		status := "up"
		switch {
		case e.Tripped:
			status = "tripped"
		case !e.Healthy:
			status = "down"
		}
		fmt.Fprintf(&b, "%s/%s: %s\n", e.Tier, e.ModelID, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleOps(args string) string {
	if d.Ops == nil {
		return "ops telemetry unavailable"
	}
	if strings.TrimSpace(args) == "alerts" {
		alerts := d.Ops.Alerts()
		if len(alerts) == 0 {
			return "no alerts"
		}
		sort.Slice(alerts, func(i, j int) bool { return alerts[i].Code < alerts[j].Code })
		var b strings.Builder
		for _, a := range alerts {
			fmt.Fprintf(&b, "[%s] %s x%d acked=%v\n", a.Severity, a.Code, a.Count, a.Acked)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	snap := d.Ops.Snapshot()
	if len(snap.Rows) == 0 {
		return "no usage recorded yet"
	}
	sort.Slice(snap.Rows, func(i, j int) bool {
		if snap.Rows[i].Tier != snap.Rows[j].Tier {
			return snap.Rows[i].Tier < snap.Rows[j].Tier
		}
		return snap.Rows[i].ModelID < snap.Rows[j].ModelID
	})
	var b strings.Builder
	for _, r := range snap.Rows {
		fmt.Fprintf(&b, "%s/%s: calls=%d failures=%d\n", r.Tier, r.ModelID, r.Calls, r.Failures)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleMood(chatID corekit.ChatId) string {
	if d.Mood == nil {
		return "mood engine unavailable"
	}
	snap := d.Mood.Snapshot(chatID)
	return fmt.Sprintf("tone=%s last_update=%s", snap.Tone, snap.LastUpdate.Format("15:04:05"))
}

func (d *Dispatcher) handleReactions(chatID corekit.ChatId) string {
	if d.Reactions == nil {
		return "reaction log unavailable"
	}
	entries, err := d.Reactions.ListReactions(string(chatID), 10)
	if err != nil {
		return fmt.Sprintf("failed to read reaction log: %v", err)
	}
	if len(entries) == 0 {
		return "no reactions recorded"
	}
	var b strings.Builder
	for _, e := range entries {
		owner := ""
		if e.FromOwner {
			owner = " (owner)"
		}
		fmt.Fprintf(&b, "%s on %s%s\n", e.Emoji, e.MessageID, owner)
	}
	return strings.TrimRight(b.String(), "\n")
}
