package bridge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/termbridge/termbridge/internal/mcpserver"
	"github.com/termbridge/termbridge/internal/memory"
	"github.com/termbridge/termbridge/internal/scheduler"
)

// mcpDeps binds the MCP tools to this agent. Tools carry no window
// context of their own, so share and send operations target the window
// of the most recent inbound message.
func (r *Runtime) mcpDeps() mcpserver.Deps {
	return mcpserver.Deps{
		ShareLink: func(path string, ttl time.Duration) (string, error) {
			id, ok := r.activeWindow()
			if !ok {
				return "", fmt.Errorf("no active window")
			}
			return r.share.ShareLinkTTL(id, path, ttl)
		},
		UploadLink: func(ttl time.Duration) (string, error) {
			id, ok := r.activeWindow()
			if !ok {
				return "", fmt.Errorf("no active window")
			}
			return r.share.UploadLink(id, ttl)
		},
		SendFile: func(ctx context.Context, path, caption string) error {
			id, ok := r.activeWindow()
			if !ok {
				return fmt.Errorf("no active window")
			}
			dest, ok := r.destinationForWindow(id)
			if !ok {
				return fmt.Errorf("window %s has no chat destination", id)
			}
			_, err := r.msgr.SendDocument(ctx, dest.ChatID, path, caption, dest.Opts)
			return err
		},
		MemorySearch: r.memorySearch,
		MemorySave:   r.memorySave,
		ListJobs: func(workspace string) ([]scheduler.Job, error) {
			st, ok := r.engine.Store(r.workspaceDir(workspace))
			if !ok {
				return nil, fmt.Errorf("workspace %s has no job store", workspace)
			}
			return st.ListJobs()
		},
	}
}

// memorySearch queries every registered workspace mirror and merges the
// hits, newest first.
func (r *Runtime) memorySearch(query, tag string, days int) ([]memory.Row, error) {
	r.mu.Lock()
	mirrors := make([]*memory.Mirror, 0, len(r.mirrors))
	for _, m := range r.mirrors {
		mirrors = append(mirrors, m)
	}
	r.mu.Unlock()

	var out []memory.Row
	for _, m := range mirrors {
		if err := m.Sync(); err != nil {
			r.log.WithError(err).Debug("memory sync before search failed")
		}
		rows, err := m.Search(query, memory.SearchOptions{Tag: tag, Days: days})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > 20 {
		out = out[:20]
	}
	return out, nil
}

// memorySave writes a topic file into the active workspace and refreshes
// its mirror.
func (r *Runtime) memorySave(topic, content string) error {
	id, ok := r.activeWindow()
	if !ok {
		return fmt.Errorf("no active window")
	}
	info, ok := r.manager.WindowInfo(id)
	if !ok || info.Cwd == "" {
		return fmt.Errorf("window %s has no workspace", id)
	}
	if err := memory.WriteTopic(info.Cwd, topic, content, nil, time.Now()); err != nil {
		return err
	}
	if m := r.openMirror(info.Cwd); m != nil {
		if err := m.Sync(); err != nil {
			r.log.WithWorkspace(info.Cwd).WithError(err).Warn("memory sync failed")
		}
	}
	return nil
}
