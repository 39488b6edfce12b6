package indicator

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// passwordOnlyMethods are registration kinds that do not satisfy MFA.
var passwordOnlyMethods = map[string]bool{
	"password": true,
	"email":    true,
}

// UR-01: the account has no strong method registered.
func evalNoMFARegistered(c *evalContext) outcome {
	methods := c.snap.AuthMethods
	if len(methods) == 0 {
		return outcome{}
	}
	for _, m := range methods {
		if !passwordOnlyMethods[strings.ToLower(m)] {
			return outcome{}
		}
	}
	return outcome{
		triggered: true,
		summary:   "No MFA method registered",
		items:     append([]string(nil), methods...),
	}
}

// UR-02
func evalMailboxForwarding(c *evalContext) outcome {
	mb := c.snap.Mailbox
	var items []string
	if mb.ForwardingSMTP != "" {
		items = append(items, "ForwardingSmtpAddress: "+mb.ForwardingSMTP)
	}
	if mb.ForwardingAddress != "" {
		items = append(items, "ForwardingAddress: "+mb.ForwardingAddress)
	}
	if len(items) == 0 {
		return outcome{}
	}
	if mb.KeepCopy.IsFalse() {
		items = append(items, "DeliverToMailboxAndForward: false")
	}
	return outcome{triggered: true, summary: "Mailbox forwarding is configured", items: items}
}

// UR-03: each enabled rule with at least one suspicious action counts once.
func evalSuspiciousInboxRules(c *evalContext) outcome {
	var items []string
	for _, r := range c.snap.InboxRules {
		if r.Enabled.IsFalse() {
			continue
		}
		reasons := c.ruleReasons(r)
		if len(reasons) == 0 {
			continue
		}
		name := r.Name
		if name == "" {
			name = r.ID
		}
		items = append(items, fmt.Sprintf("%s: %s", name, strings.Join(reasons, ", ")))
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{
		triggered:   true,
		occurrences: len(items),
		summary:     fmt.Sprintf("%d suspicious inbox rule(s)", len(items)),
		items:       items,
	}
}

func (c *evalContext) ruleReasons(r telemetry.InboxRule) []string {
	var reasons []string
	for _, addr := range r.ForwardTo {
		if c.isExternalRecipient(addr) {
			reasons = append(reasons, "forwards to "+addr)
		}
	}
	for _, addr := range r.RedirectTo {
		if c.isExternalRecipient(addr) {
			reasons = append(reasons, "redirects to "+addr)
		}
	}
	if r.DeleteMessage {
		reasons = append(reasons, "deletes messages")
	}
	folder := strings.ToLower(strings.TrimSpace(r.MoveToFolder))
	movesSuspicious := folder != "" && containsAny(folder, c.settings.SuspiciousFolders)
	if movesSuspicious {
		reasons = append(reasons, "moves to "+r.MoveToFolder)
	}
	for _, kw := range r.Keywords {
		if containsAny(strings.ToLower(kw), c.settings.FinanceKeywords) {
			reasons = append(reasons, "matches keyword "+kw)
			break
		}
	}
	if r.MarkAsRead && folder != "" && !movesSuspicious {
		reasons = append(reasons, "marks as read and moves")
	}
	return reasons
}

// isExternalRecipient reports whether addr carries an SMTP address outside
// the account's domain. Recipients without an SMTP address are internal.
func (c *evalContext) isExternalRecipient(addr string) bool {
	email := smtpAddress(addr)
	if email == "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if c.domain == "" {
		return true
	}
	return !strings.EqualFold(email[at+1:], c.domain)
}

// smtpAddress extracts the address from forms like "Name" [SMTP:a@b.com].
func smtpAddress(addr string) string {
	lower := strings.ToLower(addr)
	if i := strings.LastIndex(lower, "smtp:"); i >= 0 {
		lower = lower[i+len("smtp:"):]
	}
	for _, field := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '[' || r == ']' || r == '<' || r == '>' || r == '"' || r == '\''
	}) {
		if at := strings.IndexByte(field, '@'); at > 0 && at < len(field)-1 {
			return field
		}
	}
	return ""
}

// UR-04
func evalAdminRole(c *evalContext) outcome {
	var items []string
	for _, r := range c.snap.Roles {
		if c.privileged[strings.ToLower(r.TemplateID)] ||
			strings.Contains(strings.ToLower(r.Name), "global administrator") {
			items = append(items, r.Name)
		}
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Account holds a privileged directory role", items: items}
}

// UR-05: a password reset for the account initiated by someone else.
func evalPasswordResetByOther(c *evalContext) outcome {
	var items []string
	for _, e := range c.snap.Audit {
		if auditFailed(e) {
			continue
		}
		act := strings.ToLower(e.Activity)
		if !strings.Contains(act, "reset") || !strings.Contains(act, "password") {
			continue
		}
		if !c.targetsAccount(e) {
			continue
		}
		if e.InitiatedBy == "" || strings.EqualFold(e.InitiatedBy, c.upn) {
			continue
		}
		items = append(items, fmt.Sprintf("%s by %s", e.Activity, e.InitiatedBy))
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Password reset by another principal", items: items}
}

var securityInfoActivities = []string{
	"registered security info",
	"changed default security info",
	"user registered all required security info",
	"admin registered security info",
}

// updateUserActivity carries security info changes as modified properties.
const updateUserActivity = "update user"

// UR-06: new MFA or security info registration.
func evalSecurityInfoRegistered(c *evalContext) outcome {
	var items []string
	for _, e := range c.snap.Audit {
		if auditFailed(e) || !c.targetsAccount(e) {
			continue
		}
		act := strings.ToLower(e.Activity)
		matched := containsAny(act, securityInfoActivities)
		if !matched && strings.Contains(act, updateUserActivity) {
			for _, m := range e.Modified {
				if strings.HasPrefix(strings.ToLower(m.Name), "strongauthentication") && m.NewValue != "" {
					matched = true
					break
				}
			}
		}
		if matched {
			items = append(items, e.Activity)
		}
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Security info was registered or changed", items: items}
}

// UR-07
func evalRiskyOAuthGrant(c *evalContext) outcome {
	var items []string
	for _, g := range c.facts.OAuth {
		if g.Level != oauth.High {
			continue
		}
		name := g.AppName
		if name == "" {
			name = g.ClientID
		}
		items = append(items, fmt.Sprintf("%s: %s", name, strings.Join(g.Reasons, "; ")))
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "High risk OAuth consent grant", items: items}
}

// UR-08
func evalRiskyUser(c *evalContext) outcome {
	risk := c.snap.Risk
	if !elevatedRisk(risk.Level, risk.State) {
		return outcome{}
	}
	items := []string{"level: " + risk.Level}
	if risk.State != "" {
		items = append(items, "state: "+risk.State)
	}
	if risk.Detail != "" {
		items = append(items, "detail: "+risk.Detail)
	}
	return outcome{triggered: true, summary: "Identity protection flags the user as risky", items: items}
}

var delegateActivities = []string{
	"add-mailboxpermission",
	"add-recipientpermission",
	"add-mailboxfolderpermission",
	"set-mailboxfolderpermission",
	"add delegate",
	"addfolderpermissions",
	"updatefolderpermissions",
	"grantsendonbehalfto",
}

// UR-09
func evalMailboxDelegate(c *evalContext) outcome {
	var items []string
	for _, e := range c.snap.Audit {
		if auditFailed(e) {
			continue
		}
		if containsAny(strings.ToLower(e.Activity), delegateActivities) {
			items = append(items, e.Activity)
			continue
		}
		for _, m := range e.Modified {
			if strings.EqualFold(m.Name, "GrantSendOnBehalfTo") && m.NewValue != "" {
				items = append(items, e.Activity)
				break
			}
		}
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Mailbox delegate or permission added", items: items}
}

func auditFailed(e telemetry.AuditEntry) bool {
	return strings.EqualFold(e.Result, "failure")
}

// targetsAccount treats an entry without targets as being about the account,
// since audit records are collected per account.
func (c *evalContext) targetsAccount(e telemetry.AuditEntry) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, t := range e.Targets {
		if strings.EqualFold(t, c.upn) || (c.snap.Account.ID != "" && strings.EqualFold(t, c.snap.Account.ID)) {
			return true
		}
	}
	return false
}

// elevatedRisk reports whether a medium or high risk is still open.
func elevatedRisk(level, state string) bool {
	switch strings.ToLower(level) {
	case "high", "medium":
	default:
		return false
	}
	switch strings.ToLower(state) {
	case "remediated", "dismissed", "none", "confirmedsafe":
		return false
	}
	return true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func lowerSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.ToLower(v)] = true
	}
	return out
}

func upperSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.ToUpper(v)] = true
	}
	return out
}
