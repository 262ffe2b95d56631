// Package slack posts human-review notifications to Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

const (
	maxCommentLen = 2000
	maxHeaderLen  = 150
	httpTimeout   = 10 * time.Second
)

// Notifier sends decision records that need human review to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify implements triage.Notifier.
func (n *Notifier) Notify(ctx context.Context, rec *triage.DecisionRecord) error {
	if n.webhookURL == "" {
		return nil
	}
	msg := buildMessage(rec)
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "review notification sent", "ticket_id", rec.TicketID, "record_id", rec.ID)
	return nil
}

func buildMessage(r *triage.DecisionRecord) *slack.WebhookMessage {
	blocks := []slack.Block{
		headerBlock(r),
		slack.NewDividerBlock(),
		fieldsBlock(r),
	}
	if len(r.EscalationReasons) > 0 || len(r.PolicyFlags) > 0 {
		blocks = append(blocks, reasonsBlock(r))
	}
	blocks = append(blocks,
		slack.NewDividerBlock(),
		commentBlock(r),
		contextBlock(r),
	)
	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("Human review required for %s", ticketLabel(r)),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func headerBlock(r *triage.DecisionRecord) *slack.HeaderBlock {
	title := "Review required"
	if r.AutoEscalate {
		title = "Escalation required"
	}
	text := truncate(fmt.Sprintf("%s %s: %s", urgencyEmoji(r), title, ticketLabel(r)), maxHeaderLen)
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func fieldsBlock(r *triage.DecisionRecord) *slack.SectionBlock {
	md := func(format string, args ...any) *slack.TextBlockObject {
		return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
	}
	fields := []*slack.TextBlockObject{
		md("*Routing:* %s / %s", r.Department, r.Team),
		md("*Priority:* %s", r.SuggestedPriority),
		md("*Confidence:* %.2f", r.Confidence),
		md("*Assignee:* %s", orNone(r.SuggestedAssignee)),
		md("*SLA:* %gh, breach %s", r.SLATargetHours, r.SLABreachAt.UTC().Format("2006-01-02 15:04 UTC")),
		md("*Model:* %s", orNone(shortModel(r.Model))),
	}
	if len(r.EscalationPath) > 0 {
		fields = append(fields, md("*Escalation:* %s", strings.Join(r.EscalationPath, " → ")))
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func reasonsBlock(r *triage.DecisionRecord) *slack.SectionBlock {
	var b strings.Builder
	b.WriteString("*Why review is required*\n")
	for _, reason := range r.EscalationReasons {
		fmt.Fprintf(&b, "• %s\n", reason)
	}
	if len(r.PolicyFlags) > 0 {
		fmt.Fprintf(&b, "_Flags:_ `%s`", strings.Join(r.PolicyFlags, "` `"))
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, strings.TrimRight(b.String(), "\n"), false, false), nil, nil)
}

func commentBlock(r *triage.DecisionRecord) *slack.SectionBlock {
	text := truncate(r.GeneratedComment, maxCommentLen)
	if text == "" {
		text = "_No comment generated._"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Suggested comment*\n\n%s", text)
	if len(r.Citations) > 0 {
		b.WriteString("\n\n*Sources*")
		for _, c := range r.Citations {
			fmt.Fprintf(&b, "\n• %s", c)
		}
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false), nil, nil)
}

func contextBlock(r *triage.DecisionRecord) *slack.ContextBlock {
	text := fmt.Sprintf("ticketwarden • record %s • %s", r.ID, r.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	if len(r.DegradedStages) > 0 {
		text += " • degraded: " + strings.Join(r.DegradedStages, ", ")
	}
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

func ticketLabel(r *triage.DecisionRecord) string {
	if r.IssueKey != "" {
		return r.IssueKey
	}
	return r.TicketID
}

func urgencyEmoji(r *triage.DecisionRecord) string {
	if r.AutoEscalate {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e1" // yellow circle
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// truncate shortens s to at most limit bytes including the ellipsis,
// cutting on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
