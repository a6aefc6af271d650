package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"sybil-chat/internal/domain"
)

const emptyState = "Type a prompt to get started"

var (
	youLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	sybilLabel = color.New(color.FgCyan, color.Bold).SprintFunc()
	dimmed     = color.New(color.Faint).SprintFunc()
)

// printer writes each turn of the mounted conversation once, in feed order.
// Snapshots arrive from both the submit loop and the feed subscription.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	conv string
	seen map[string]bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]bool)}
}

// reset starts printing conversationID from scratch.
func (p *printer) reset(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conv = conversationID
	p.seen = make(map[string]bool)
	fmt.Fprintln(p.out, dimmed("chat "+conversationID))
}

func (p *printer) render(turns []domain.Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range turns {
		if t.ConversationID != p.conv || p.seen[t.ID] {
			continue
		}
		p.seen[t.ID] = true
		if t.Role == domain.RoleAssistant {
			fmt.Fprintf(p.out, "%s %s\n", sybilLabel("Sybil:"), t.Text)
		} else {
			fmt.Fprintf(p.out, "%s %s\n", youLabel("You:"), t.Text)
		}
	}
}

func (p *printer) empty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, dimmed(emptyState))
}

// notifier prints progress toasts.
type notifier struct {
	out io.Writer

	loading *color.Color
	success *color.Color
	failure *color.Color
}

func newNotifier(out io.Writer) *notifier {
	return &notifier{
		out:     out,
		loading: color.New(color.FgYellow),
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
	}
}

func (n *notifier) Loading(msg string) { n.loading.Fprintln(n.out, "… "+msg) }
func (n *notifier) Success(msg string) { n.success.Fprintln(n.out, "✓ "+msg) }
func (n *notifier) Failure(msg string) { n.failure.Fprintln(n.out, "✗ "+msg) }
