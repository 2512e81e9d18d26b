package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/exchange"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// writeExchange renders a finished exchange.
func writeExchange(w io.Writer, ex exchange.Exchange) {
	who := "you"
	if ex.Author != "" {
		who = ex.Author
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, who+":"), ex.Question)

	body := ex.ResponseText
	switch {
	case ex.Failed:
		body = colorize(colorRed, body)
	case ex.Status == exchange.StatusCancelled:
		body = colorize(colorDim, body)
	case ex.Status != exchange.StatusComplete:
		body = colorize(colorDim, statusLine(ex))
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "assistant:"), body)
	for i, c := range ex.Citations {
		fmt.Fprintf(w, "  [%d] %s (%s %s)\n", i+1, c.Label, c.Origin, c.OriginID)
	}
}

func statusLine(ex exchange.Exchange) string {
	if ex.StatusMessage != "" {
		return ex.StatusMessage + "..."
	}
	return string(ex.Status) + "..."
}

// writeSession renders the visible search results of a channel.
func writeSession(w io.Writer, v channel.View) {
	if v.SearchID == "" {
		fmt.Fprintln(w, "No search results.")
		return
	}
	fmt.Fprintf(w, "Results for %q (%d shown, %d dismissed)\n", v.Query, len(v.Papers), len(v.Dismissed))
	for _, p := range v.Papers {
		line := fmt.Sprintf("  %s  %s", colorize(colorCyan, p.ID), p.Title)
		if p.Year > 0 {
			line += fmt.Sprintf(" (%d)", p.Year)
		}
		if st, ok := v.Ingestion[p.ID]; ok {
			line += "  " + ingestionLabel(st)
		}
		fmt.Fprintln(w, line)
		if len(p.Authors) > 0 {
			fmt.Fprintf(w, "      %s\n", colorize(colorDim, strings.Join(p.Authors, ", ")))
		}
	}
}

func ingestionLabel(st channel.IngestionState) string {
	label := "[" + string(st.Status) + "]"
	switch {
	case st.IsAdding, st.Status == action.IngestionUploading:
		return colorize(colorYellow, label)
	case st.Status == action.IngestionSuccess:
		return colorize(colorGreen, label)
	case st.Status == action.IngestionFailed:
		return colorize(colorRed, label)
	}
	return label
}

// writeActions renders actions waiting for confirmation.
func writeActions(w io.Writer, actions []conversation.PendingAction) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "No actions waiting for confirmation.")
		return
	}
	for _, a := range actions {
		summary := a.Action.Summary
		if summary == "" {
			summary = a.Action.Type
		}
		state := ""
		if a.Confirming {
			state = colorize(colorYellow, " (confirming)")
		}
		fmt.Fprintf(w, "  %s  %s: %s%s\n", colorize(colorCyan, a.Key), a.Action.Type, summary, state)
	}
}
