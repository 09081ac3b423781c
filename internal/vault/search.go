package vault

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/laguz/internal/store"
)

// searchBatchSize bounds one listing page during the client-side scan.
const searchBatchSize = 100

// ScoredNote pairs a note with its relevance score.
type ScoredNote struct {
	Note  *Note
	Score int
}

// Score computes the deterministic relevance of a note for a query:
// path substring +15, title substring +10, +1 per case-insensitive content
// occurrence, +5 per tag substring match. Zero means no match.
func Score(n *Note, query string) int {
	q := strings.ToLower(query)
	if q == "" {
		return 0
	}
	score := 0
	if strings.Contains(strings.ToLower(n.Path), q) {
		score += 15
	}
	if strings.Contains(strings.ToLower(n.Title), q) {
		score += 10
	}
	score += strings.Count(strings.ToLower(n.Content), q)
	for _, tag := range n.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			score += 5
		}
	}
	return score
}

// Search finds notes matching query, best first. A server-side predicate is
// attempted first; when the store rejects it, a bounded client-side scan
// takes over. Scoring is identical on both paths, results are sorted by
// descending score with encounter order breaking ties, and zero-score
// results are excluded.
func (s *Service) Search(ctx context.Context, query string, limit int) []ScoredNote {
	if limit <= 0 {
		limit = 10
	}

	docs, err := s.searchFind(ctx, query, limit)
	if err != nil {
		s.log.Debug("server-side search failed, scanning client-side",
			slog.String("error", err.Error()))
		return s.searchScan(ctx, query, limit)
	}

	results := s.scoreDocs(ctx, docs, query, limit)
	if len(results) > 0 {
		return results
	}
	// The predicate sees only stored bytes; an encrypted vault matches
	// nothing server-side even when decrypted content would.
	return s.searchScan(ctx, query, limit)
}

// searchFind issues the server-side full-text predicate: a case-insensitive
// regex over path and data.
func (s *Service) searchFind(ctx context.Context, query string, limit int) ([]store.Document, error) {
	pattern := "(?i)" + regexp.QuoteMeta(query)
	selector := map[string]any{
		"type":    map[string]any{"$in": []string{store.TypeNote, store.TypeChunked, store.TypePlain}},
		"deleted": map[string]any{"$ne": true},
		"$or": []map[string]any{
			{"path": map[string]any{"$regex": pattern}},
			{"data": map[string]any{"$regex": pattern}},
		},
	}
	return s.store.Find(ctx, selector, limit*3)
}

// searchScan pages through listings most-recent-first, scoring each note
// until limit matches accumulate or SearchScanCap documents were examined.
// The cap bounds tail latency on large vaults.
func (s *Service) searchScan(ctx context.Context, query string, limit int) []ScoredNote {
	var results []ScoredNote
	examined := 0
	for examined < s.cfg.SearchScanCap {
		batch := s.cfg.SearchScanCap - examined
		if batch > searchBatchSize {
			batch = searchBatchSize
		}
		docs := s.store.Query(ctx, store.Params{Limit: batch, Skip: examined, SortBy: "mtime", Order: "desc"})
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			note, ok := s.Process(ctx, doc)
			if !ok {
				continue
			}
			if score := Score(note, query); score > 0 {
				results = append(results, ScoredNote{Note: note, Score: score})
			}
		}
		examined += len(docs)
		if len(results) >= limit || len(docs) < batch {
			break
		}
	}
	return rank(results, limit)
}

func (s *Service) scoreDocs(ctx context.Context, docs []store.Document, query string, limit int) []ScoredNote {
	var results []ScoredNote
	for _, doc := range docs {
		note, ok := s.Process(ctx, doc)
		if !ok {
			continue
		}
		if score := Score(note, query); score > 0 {
			results = append(results, ScoredNote{Note: note, Score: score})
		}
	}
	return rank(results, limit)
}

// rank sorts by descending score, stable so ties keep encounter order.
func rank(results []ScoredNote, limit int) []ScoredNote {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Count reports how many notes match query (and, when sinceDays > 0, were
// modified within that window). Bounded by the same scan cap as Search.
func (s *Service) Count(ctx context.Context, query string, sinceDays int) int {
	threshold := int64(0)
	if sinceDays > 0 {
		threshold = time.Now().UnixMilli() - int64(sinceDays)*24*int64(time.Hour/time.Millisecond)
	}

	count := 0
	examined := 0
	for examined < s.cfg.SearchScanCap {
		batch := s.cfg.SearchScanCap - examined
		if batch > searchBatchSize {
			batch = searchBatchSize
		}
		docs := s.store.Query(ctx, store.Params{Limit: batch, Skip: examined, SortBy: "mtime", Order: "desc"})
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if threshold > 0 && doc.Mtime < threshold {
				continue
			}
			if query == "" {
				count++
				continue
			}
			if note, ok := s.Process(ctx, doc); ok && Score(note, query) > 0 {
				count++
			}
		}
		examined += len(docs)
		if len(docs) < batch {
			break
		}
	}
	return count
}
