package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/youruser/redline/internal/diff"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/server"
	"github.com/youruser/redline/internal/session"
)

var (
	changedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e5c07b")).Bold(true)
	removedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e06c75")).Strikethrough(true)
	addedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#98c379")).Underline(true)
	unchangedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5c6370"))
	summaryStyle   = lipgloss.NewStyle().Italic(true).MarginTop(1)
)

type reviseOptions struct {
	path        string
	instruction string
	yes         bool
	stdout      bool
}

func newReviseCmd(root *rootOptions) *cobra.Command {
	opts := reviseOptions{}
	cmd := &cobra.Command{
		Use:   "revise FILE",
		Short: "Propose a revision of FILE, review it, and write it back on accept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.path = args[0]
			svc, err := buildService(cmd.Context(), root)
			if err != nil {
				return reportError(cmd, err)
			}
			return reportError(cmd, runRevise(cmd.Context(), svc, opts, cmd.InOrStdin(), cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVarP(&opts.instruction, "instruction", "i", "", "the change to make")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "accept without prompting")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "print the revised text instead of writing FILE")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func runRevise(ctx context.Context, svc *server.Service, opts reviseOptions, in io.Reader, out io.Writer) error {
	original, err := readFile(opts.path)
	if err != nil {
		return err
	}
	doc, err := svc.Load(server.LoadRequest{DocumentID: opts.path, Text: original})
	if err != nil {
		return err
	}

	proposal, err := svc.Submit(ctx, doc.ID(), opts.instruction)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderProposal(doc.Blocks(), proposal))

	if len(proposal.Changes) == 0 {
		if _, err := svc.Cancel(doc.ID()); err != nil {
			return err
		}
		fmt.Fprintln(out, "No changes proposed.")
		return nil
	}

	if !opts.yes && !confirm(in, out, fmt.Sprintf("Apply %d change(s)? [y/N] ", len(proposal.Changes))) {
		if _, err := svc.Cancel(doc.ID()); err != nil {
			return err
		}
		fmt.Fprintln(out, "Discarded.")
		return nil
	}

	outcome, err := svc.Accept(doc.ID())
	if err != nil {
		return err
	}
	revised := mergeLines(original, doc.Blocks())
	if opts.stdout {
		fmt.Fprint(out, revised)
		return nil
	}
	if err := writeFile(opts.path, revised); err != nil {
		return err
	}
	fmt.Fprintf(out, "Applied %d change(s) to %s\n", len(outcome.Records), opts.path)
	return nil
}

// renderProposal lays the document out with pending blocks shown as
// inline diffs.
func renderProposal(blocks []document.Block, p session.Proposal) string {
	changes := make(map[string]session.Change, len(p.Changes))
	for _, c := range p.Changes {
		changes[c.BlockID] = c
	}

	var b strings.Builder
	for _, block := range blocks {
		c, ok := changes[block.ID]
		if !ok {
			b.WriteString("  " + unchangedStyle.Render(block.Text) + "\n")
			continue
		}
		if !diff.Changed(c.Segments) {
			b.WriteString("= " + unchangedStyle.Render(block.Text) + "\n")
			continue
		}
		b.WriteString(changedStyle.Render("~ "))
		for _, seg := range c.Segments {
			switch seg.Type {
			case diff.SegmentRemoved:
				b.WriteString(removedStyle.Render(seg.Text))
			case diff.SegmentAdded:
				b.WriteString(addedStyle.Render(seg.Text))
			default:
				b.WriteString(seg.Text)
			}
		}
		b.WriteString("\n")
	}

	summary := fmt.Sprintf("%d change(s)", len(p.Changes))
	if n := len(p.Unmatched); n > 0 {
		summary += fmt.Sprintf(", %d unmatched", n)
	}
	summary += fmt.Sprintf(", %d prompt + %d completion tokens, $%.4f",
		p.Cost.PromptTokens, p.Cost.CompletionTokens, p.Cost.TotalUSD)
	if p.Cost.Estimated {
		summary += " (estimated)"
	}
	b.WriteString(summaryStyle.Render(summary))
	return b.String()
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// mergeLines writes block texts back over the non-blank lines of original,
// keeping blank lines and line endings where they were.
func mergeLines(original string, blocks []document.Block) string {
	lines := strings.SplitAfter(original, "\n")
	next := 0
	var b strings.Builder
	for _, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(body) == "" || next >= len(blocks) {
			b.WriteString(line)
			continue
		}
		b.WriteString(blocks[next].Text)
		b.WriteString(line[len(body):])
		next++
	}
	return b.String()
}

func writeFile(path, text string) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, []byte(text), mode)
}
