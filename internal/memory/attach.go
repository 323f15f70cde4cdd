package memory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var imageSuffixes = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
}

// SaveAttachment copies a file into the workspace's dated attachment
// directory and records a reference line in today's daily log. It
// returns the workspace-relative path of the copy.
func SaveAttachment(workspace, sourcePath, description, userName string, now time.Time) (string, error) {
	dir := filepath.Join(workspace, memoryDirName, "attachments", now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("attachment dir: %w", err)
	}

	dst, err := uniqueName(dir, filepath.Base(sourcePath))
	if err != nil {
		return "", err
	}
	if err := copyFile(sourcePath, dst); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(workspace, dst)
	if err != nil {
		return "", err
	}

	desc := description
	if desc == "" {
		desc = filepath.Base(dst)
	}
	var ref string
	if imageSuffixes[strings.ToLower(filepath.Ext(dst))] {
		ref = fmt.Sprintf("![%s](%s)", desc, filepath.ToSlash(rel))
	} else {
		ref = fmt.Sprintf("[%s](%s)", desc, filepath.ToSlash(rel))
	}
	if userName != "" {
		ref = fmt.Sprintf("%s (from %s)", ref, userName)
	}
	if err := AppendDaily(workspace, ref, now); err != nil {
		return "", err
	}
	return rel, nil
}

// uniqueName suffixes the filename until it does not collide.
func uniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		if i > 1000 {
			return "", fmt.Errorf("attachment name space exhausted for %s", name)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open attachment source: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
