// Package memory manages the workspace's Markdown memory files and
// their SQLite read mirror. Daily logs append, topic files replace
// atomically, and the mirror re-syncs from content hashes so the
// Markdown on disk stays the source of truth.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	memoryDirName     = "memory"
	dailyDirName      = "daily"
	experienceDirName = "experience"
	summariesDirName  = "summaries"
)

// frontMatter is the YAML header of every memory file.
type frontMatter struct {
	Date string   `yaml:"date"`
	Tags []string `yaml:"tags,omitempty"`
}

func renderFrontMatter(fm frontMatter) (string, error) {
	raw, err := yaml.Marshal(fm)
	if err != nil {
		return "", err
	}
	return "---\n" + string(raw) + "---\n", nil
}

// parseFrontMatter splits a file into its header and body lines. Files
// without a header parse as body only.
func parseFrontMatter(content string) (frontMatter, []string) {
	var fm frontMatter
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return fm, lines
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			_ = yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &fm)
			return fm, lines[i+1:]
		}
	}
	return fm, lines
}

func dailyPath(workspace string, day time.Time) string {
	return filepath.Join(workspace, memoryDirName, dailyDirName,
		day.Format("2006-01"), day.Format("2006-01-02")+".md")
}

func topicPath(workspace, topic string) string {
	return filepath.Join(workspace, memoryDirName, experienceDirName, topic+".md")
}

// AppendDaily appends one line to today's daily log, creating the file
// with its front-matter on first write.
func AppendDaily(workspace, line string, now time.Time) error {
	path := dailyPath(workspace, now)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daily dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		header, err := renderFrontMatter(frontMatter{Date: now.Format("2006-01-02")})
		if err != nil {
			return err
		}
		if _, err := f.WriteString(header + "\n"); err != nil {
			return err
		}
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err = f.WriteString(line)
	return err
}

// DailyBody returns the body of a day's log without its front-matter,
// trimmed, or "" when the day has no log.
func DailyBody(workspace string, day time.Time) string {
	raw, err := os.ReadFile(dailyPath(workspace, day))
	if err != nil {
		return ""
	}
	_, body := parseFrontMatter(string(raw))
	return strings.TrimSpace(strings.Join(body, "\n"))
}

// WriteTopic replaces an experience topic file atomically. The write
// goes to a temp file in the same directory, then renames over.
func WriteTopic(workspace, topic, content string, tags []string, now time.Time) error {
	path := topicPath(workspace, topic)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("experience dir: %w", err)
	}
	header, err := renderFrontMatter(frontMatter{Date: now.Format("2006-01-02"), Tags: tags})
	if err != nil {
		return err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+topic+".*")
	if err != nil {
		return fmt.Errorf("topic temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(header + "\n" + content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
