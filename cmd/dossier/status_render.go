package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"dossier/internal/ecosystem"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

var stageTitle = cases.Title(language.English)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stageLabel renders a stage name for humans, colored by outcome.
func stageLabel(stage string, colorize bool) string {
	if stage == "" {
		stage = "pending"
	}
	label := stageTitle.String(stage)
	if !colorize {
		return label
	}
	switch stage {
	case "monitor":
		return ansiGreen + label + ansiReset
	case "blocked", "cancelled":
		return ansiRed + label + ansiReset
	default:
		return label
	}
}

func renderMission(snap ecosystem.MissionSnapshot, colorize bool) string {
	var b strings.Builder
	kind := statusInfo
	state := "in progress"
	switch {
	case snap.Frozen:
		kind, state = statusOK, "frozen"
	case len(snap.OutstandingBlocks) > 0:
		kind, state = statusWarn, "blocked: "+strings.Join(snap.OutstandingBlocks, ", ")
	case snap.Complete:
		kind, state = statusOK, "complete"
	}
	fmt.Fprintln(&b, renderStatusLine("Mission", kind, state, colorize))
	fmt.Fprintln(&b, renderStatusLine("Evidence", statusInfo, strconv.Itoa(snap.EvidenceCount), colorize))
	faultKind := statusOK
	faultText := strconv.Itoa(snap.Faults)
	if snap.Faults > 0 {
		faultKind = statusWarn
		if snap.LastFault != "" {
			faultText += " (last " + snap.LastFault + ")"
		}
	}
	fmt.Fprintln(&b, renderStatusLine("Faults", faultKind, faultText, colorize))
	fmt.Fprintln(&b, renderStatusLine("Manifest", statusInfo, "v"+strconv.Itoa(snap.ManifestVersion), colorize))

	rows := make([][]string, 0, len(snap.Sections))
	for _, sec := range snap.Sections {
		version := "-"
		if sec.Version > 0 {
			version = strconv.Itoa(sec.Version)
		}
		rows = append(rows, []string{
			sec.ID,
			yesNo(sec.Required),
			stageLabel(sec.Stage, colorize),
			yesNo(sec.Approved),
			version,
			sec.Reason,
		})
	}
	b.WriteString(renderTable(
		[]string{"Section", "Required", "Stage", "Approved", "Version", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return b.String()
}
