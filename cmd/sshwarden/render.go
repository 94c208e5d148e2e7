package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/pkg/sanitize"
)

var (
	colorPrimary = lipgloss.Color("#00ff41")
	colorBorder  = lipgloss.Color("#1a3a1a")
	colorAmber   = lipgloss.Color("#ffb000")
	colorRed     = lipgloss.Color("#ff3333")
	colorCyan    = lipgloss.Color("#00b8ff")
	colorText    = lipgloss.Color("#e5e5e5")
	colorMuted   = lipgloss.Color("#707070")
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	textAmber = lipgloss.NewStyle().Foreground(colorAmber)
	textRed   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	textCyan  = lipgloss.NewStyle().Foreground(colorCyan)
	textMuted = lipgloss.NewStyle().Foreground(colorMuted)
	textBold  = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	textOK    = lipgloss.NewStyle().Foreground(colorPrimary)
)

func renderOK(msg string) string {
	return textOK.Render("✓ ") + msg
}

func renderStatus(s domain.StatusSnapshot, now time.Time) string {
	var b strings.Builder

	mode := textCyan.Render(s.Backend)
	if s.Simulate {
		mode = textAmber.Render(s.Backend + " (simulation)")
	}
	summary := []string{
		headerStyle.Render("SSHWARDEN"),
		fmt.Sprintf("%s %s", textMuted.Render("backend"), mode),
		fmt.Sprintf("%s %s", textMuted.Render("up since"), humanize.RelTime(s.StartedAt, now, "ago", "from now")),
		fmt.Sprintf("%s %s  %s %s  %s %s",
			textMuted.Render("events"), humanize.Comma(s.Counters.EventsProcessed),
			textMuted.Render("dropped"), humanize.Comma(s.Counters.EventsDropped),
			textMuted.Render("tracked"), humanize.Comma(int64(s.TrackedIdentities))),
		fmt.Sprintf("%s %s  %s %s  %s %s",
			textMuted.Render("blocks"), humanize.Comma(s.Counters.Blocks),
			textMuted.Render("releases"), humanize.Comma(s.Counters.Releases),
			textMuted.Render("outbound"), humanize.Comma(int64(s.OutboundQueued))),
	}
	if n := s.Unsynced(); n > 0 {
		summary = append(summary, textRed.Render(fmt.Sprintf("%d block(s) not confirmed by the firewall", n)))
	}
	if n := s.Counters.StoreWriteErrors; n > 0 {
		summary = append(summary, textRed.Render(fmt.Sprintf("%s state write(s) failed, blocks are held in memory", humanize.Comma(n))))
	}
	b.WriteString(boxStyle.Render(strings.Join(summary, "\n")))
	b.WriteString("\n")

	b.WriteString(textBold.Render(fmt.Sprintf("Active blocks (%d)", len(s.Blocks))))
	b.WriteString("\n")
	if len(s.Blocks) == 0 {
		b.WriteString(textMuted.Render("  none"))
		b.WriteString("\n")
	}
	blocks := append([]domain.BlockRecord(nil), s.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockedAt.After(blocks[j].BlockedAt) })
	for _, rec := range blocks {
		b.WriteString(renderBlock(rec, now))
		b.WriteString("\n")
	}

	if len(s.PendingReleases) > 0 {
		b.WriteString(textBold.Render(fmt.Sprintf("Pending releases (%d)", len(s.PendingReleases))))
		b.WriteString("\n")
		for _, rel := range s.PendingReleases {
			fmt.Fprintf(&b, "  %-39s %s %s\n", rel.Identity,
				textMuted.Render(string(rel.Reason)),
				textAmber.Render(fmt.Sprintf("%d attempt(s)", rel.Attempts)))
		}
	}

	if len(s.DistributedGroups) > 0 {
		b.WriteString(textBold.Render("Distributed groups"))
		b.WriteString("\n")
		targets := make([]string, 0, len(s.DistributedGroups))
		for t := range s.DistributedGroups {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			fmt.Fprintf(&b, "  %-20s %s\n", sanitize.Display(t, 20), humanize.Comma(int64(s.DistributedGroups[t]))+" source(s)")
		}
	}

	b.WriteString(textMuted.Render(fmt.Sprintf("Whitelist: %s", strings.Join(s.Whitelist, ", "))))
	b.WriteString("\n")
	return b.String()
}

func renderBlock(rec domain.BlockRecord, now time.Time) string {
	expiry := textRed.Render("permanent")
	if !rec.Permanent() {
		expiry = "expires " + humanize.RelTime(rec.ExpiresAt, now, "ago", "from now")
	}
	reason := string(rec.Reason)
	if rec.Target != "" {
		reason += " → " + sanitize.Display(rec.Target, 20)
	}
	line := fmt.Sprintf("  %-39s %-28s %3d attempts  offense #%d  blocked %s  %s",
		rec.Identity, reason, rec.AttemptCount, rec.Offense,
		humanize.RelTime(rec.BlockedAt, now, "ago", "from now"), expiry)
	if rec.FirewallUnsynced {
		line += "  " + textAmber.Render("unsynced")
	}
	return line
}

func renderWhitelist(entries []string) string {
	if len(entries) == 0 {
		return textMuted.Render("whitelist is empty") + "\n"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String()
}
