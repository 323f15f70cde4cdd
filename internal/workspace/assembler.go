// Package workspace assembles the per-workspace instructions file the
// CLI reads on startup. Composition is deterministic: the same inputs
// always produce the same bytes, so re-assembly never churns files
// that did not change.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/termbridge/termbridge/internal/memory"
)

// InstructionsFileName is the assembled file in the workspace root.
const InstructionsFileName = "CLAUDE.md"

// defaultRecentDays of daily memory included in the assembly.
const defaultRecentDays = 3

// Inputs name the source files of one assembly. Missing files
// contribute nothing.
type Inputs struct {
	// PersonaPath is the agent-wide persona snippet shared by every
	// workspace.
	PersonaPath string
	// ProfilePath is the profile of the user owning the workspace.
	ProfilePath string
	// PersonalityPath optionally overrides the persona tone for this
	// workspace.
	PersonalityPath string
	// InstructionsPath holds standing instructions that survive
	// memory consolidation.
	InstructionsPath string
	// RecentDays of daily memory to inline; 0 means the default.
	RecentDays int
}

// Assemble writes the workspace instructions file. The write is
// skipped when the composed bytes match what is already on disk.
func Assemble(workspace string, in Inputs, now time.Time) error {
	content := Compose(workspace, in, now)
	path := filepath.Join(workspace, InstructionsFileName)

	if prev, err := os.ReadFile(path); err == nil && string(prev) == content {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write instructions file: %w", err)
	}
	return nil
}

// Compose renders the instructions content without touching disk.
// Section order is fixed; sections with no input are omitted whole.
func Compose(workspace string, in Inputs, now time.Time) string {
	var b strings.Builder

	section(&b, "", readTrimmed(in.PersonaPath))
	section(&b, "## Who you are talking to", readTrimmed(in.ProfilePath))
	section(&b, "## Personality for this workspace", readTrimmed(in.PersonalityPath))
	section(&b, "## Recent activity", recentDaily(workspace, in.RecentDays, now))
	section(&b, "## Important instructions", readTrimmed(in.InstructionsPath))

	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return ""
	}
	return out + "\n"
}

func section(b *strings.Builder, heading, body string) {
	if body == "" {
		return
	}
	if heading != "" {
		b.WriteString(heading + "\n\n")
	}
	b.WriteString(body + "\n\n")
}

func readTrimmed(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// recentDaily inlines the body lines of the last N daily logs, oldest
// day first, each under its date.
func recentDaily(workspace string, days int, now time.Time) string {
	if days <= 0 {
		days = defaultRecentDays
	}
	var parts []string
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		body := memory.DailyBody(workspace, day)
		if body == "" {
			continue
		}
		parts = append(parts, "### "+day.Format("2006-01-02")+"\n\n"+body)
	}
	return strings.Join(parts, "\n\n")
}
