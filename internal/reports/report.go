// ABOUTME: Fleet summary report generation
// ABOUTME: Builds a markdown snapshot of hosts, children, and queue health, rendered to HTML

package reports

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/store"
)

// Generator renders point-in-time fleet reports.
type Generator struct {
	store    store.Store
	registry *registry.Registry
	offline  time.Duration
	md       goldmark.Markdown
}

func NewGenerator(s store.Store, reg *registry.Registry, offlineThreshold time.Duration) *Generator {
	return &Generator{
		store:    s,
		registry: reg,
		offline:  offlineThreshold,
		md:       goldmark.New(goldmark.WithExtensions(extension.Table)),
	}
}

// Markdown builds the fleet summary as markdown.
func (g *Generator) Markdown(ctx context.Context) (string, error) {
	hosts, err := g.store.ListHosts(ctx)
	if err != nil {
		return "", err
	}
	counts, err := g.store.CountMessagesByStatus(ctx)
	if err != nil {
		return "", err
	}
	orchestrations, err := g.store.ListActiveOrchestrations(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	var b strings.Builder
	fmt.Fprintf(&b, "# Fleet Report\n\nGenerated %s\n\n", now.Format(time.RFC3339))

	online := 0
	for _, h := range hosts {
		if h.Online(now, g.offline) {
			online++
		}
	}
	fmt.Fprintf(&b, "## Hosts\n\n%d registered, %d online, %d connected sessions\n\n",
		len(hosts), online, g.registry.OnlineCount())
	b.WriteString("| FQDN | Status | Approval | Platform | Last Seen |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, h := range hosts {
		state := "down"
		if h.Online(now, g.offline) {
			state = "up"
		}
		lastSeen := "never"
		if h.LastSeen != nil {
			lastSeen = h.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			h.FQDN, state, h.ApprovalStatus, h.Platform, lastSeen)
	}

	b.WriteString("\n## Child Hosts\n\n")
	b.WriteString("| Parent | Child | Type | Distribution | Status |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	childRows := 0
	for _, h := range hosts {
		children, err := g.store.ListChildren(ctx, h.ID)
		if err != nil {
			return "", err
		}
		for _, c := range children {
			fmt.Fprintf(&b, "| %s | %s | %s | %s %s | %s |\n",
				h.FQDN, c.ChildName, c.ChildType, c.Distribution, c.Version, c.Status)
			childRows++
		}
	}
	if childRows == 0 {
		b.WriteString("| - | - | - | - | - |\n")
	}

	b.WriteString("\n## Message Queue\n\n")
	for _, status := range []store.MessageStatus{
		store.StatusPending, store.StatusInProgress, store.StatusCompleted,
		store.StatusFailed, store.StatusExpired,
	} {
		fmt.Fprintf(&b, "- %s: %d\n", status, counts[status])
	}

	if len(orchestrations) > 0 {
		b.WriteString("\n## Active Reboots\n\n")
		for _, o := range orchestrations {
			fmt.Fprintf(&b, "- %s: %s since %s\n",
				o.ParentHostID, o.Status, o.InitiatedAt.Format(time.RFC3339))
		}
	}

	return b.String(), nil
}

// HTML renders the fleet summary to a standalone HTML document.
func (g *Generator) HTML(ctx context.Context) ([]byte, error) {
	markdown, err := g.Markdown(ctx)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := g.md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("rendering report: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Fleet Report</title>\n")
	page.WriteString("<style>body{font-family:sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:0.3rem 0.6rem}</style>\n")
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}
