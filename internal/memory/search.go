package memory

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// nearDupThreshold is the bigram-Jaccard similarity above which two
// results collapse into one.
const nearDupThreshold = 0.55

// sourceRank orders sources for near-dup collapse; lower wins.
var sourceRank = map[string]int{
	SourceExperience: 0,
	SourceDaily:      1,
	SourceSummary:    2,
}

// SearchOptions filter a query.
type SearchOptions struct {
	Tag   string
	Days  int
	Limit int
}

// Search runs a free-text query over the mirror. FTS5 serves ASCII
// queries; anything else (or a missing FTS5 module) goes through LIKE,
// which stays correct for multi-byte text at the cost of speed.
func (m *Mirror) Search(query string, opts SearchOptions) ([]Row, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		rows []Row
		err  error
	)
	if m.fts && isASCII(query) {
		rows, err = m.searchFTS(query, limit*4)
	} else {
		rows, err = m.searchLike(query, limit*4)
	}
	if err != nil {
		return nil, err
	}

	rows = filterRows(rows, opts, time.Now())
	rows = collapseNearDups(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Mirror) searchFTS(query string, limit int) ([]Row, error) {
	// Phrase-quote so user input never parses as MATCH syntax.
	phrase := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
	var rows []Row
	err := m.db.Select(&rows, `
        SELECT mm.path, mm.source, mm.date, mm.line_num, mm.content, mm.tags
        FROM memories_fts f
        JOIN memories mm ON mm.rowid = f.rowid
        WHERE memories_fts MATCH ?
        ORDER BY rank LIMIT ?`, phrase, limit)
	return rows, err
}

func (m *Mirror) searchLike(query string, limit int) ([]Row, error) {
	var rows []Row
	err := m.db.Select(&rows, `
        SELECT path, source, date, line_num, content, tags
        FROM memories
        WHERE content LIKE ?
        ORDER BY date DESC, line_num LIMIT ?`, "%"+query+"%", limit)
	return rows, err
}

func filterRows(rows []Row, opts SearchOptions, now time.Time) []Row {
	cutoff := ""
	if opts.Days > 0 {
		cutoff = now.AddDate(0, 0, -opts.Days).Format("2006-01-02")
	}
	out := rows[:0]
	for _, r := range rows {
		if opts.Tag != "" && !hasTag(r.Tags, opts.Tag) {
			continue
		}
		if cutoff != "" && (r.Date == "" || r.Date < cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasTag(tags, want string) bool {
	for _, t := range strings.Split(tags, ",") {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}

// collapseNearDups drops results whose content nearly matches an
// already kept one, keeping the preferred source.
func collapseNearDups(rows []Row) []Row {
	sort.SliceStable(rows, func(i, j int) bool {
		return sourceRank[rows[i].Source] < sourceRank[rows[j].Source]
	})

	kept := make([]Row, 0, len(rows))
	sets := make([]map[string]struct{}, 0, len(rows))
	for _, r := range rows {
		set := bigrams(r.Content)
		dup := false
		for _, prev := range sets {
			if jaccard(set, prev) >= nearDupThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		sets = append(sets, set)
	}
	return kept
}

func bigrams(s string) map[string]struct{} {
	runes := []rune(strings.ToLower(s))
	out := make(map[string]struct{}, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
