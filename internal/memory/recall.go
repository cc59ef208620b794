package memory

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	. "github.com/valetbot/valet/internal/logging"
)

// EmbeddingProvider computes text embeddings for vector recall. Nil or
// unavailable providers degrade recall to lexical-only.
type EmbeddingProvider interface {
	Available() bool
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RecallOptions configures the hybrid ranking.
type RecallOptions struct {
	WeightLexical  float64
	WeightVector   float64
	WeightSalience float64
	WeightRecency  float64
	HalfLife       time.Duration
	Limit          int
}

// DefaultRecallOptions returns the conservative ranking defaults.
func DefaultRecallOptions() RecallOptions {
	return RecallOptions{
		WeightLexical:  0.35,
		WeightVector:   0.35,
		WeightSalience: 0.15,
		WeightRecency:  0.15,
		HalfLife:       30 * 24 * time.Hour,
		Limit:          6,
	}
}

// Scored pairs an entry with its final recall score.
type Scored struct {
	Entry *Entry
	Score float64
}

// Recall returns the best-matching entries for a query, restricted to the
// scopes visible from (channel, chatID, senderID): the exact chat, the
// sender, and global.
func (s *Store) Recall(ctx context.Context, provider EmbeddingProvider, query, channel, chatID, senderID string, opts RecallOptions) ([]Scored, error) {
	if strings.TrimSpace(query) == "" || opts.Limit <= 0 {
		return nil, nil
	}

	chatKey := channel + ":" + chatID
	candidateLimit := opts.Limit * 4

	lexical, err := s.searchLexical(query, chatKey, senderID, candidateLimit)
	if err != nil {
		L_warn("memory: lexical recall failed", "error", err)
		lexical = nil
	}

	var vector map[string]float64
	if provider != nil && provider.Available() {
		vector, err = s.searchVector(ctx, provider, query, chatKey, senderID, candidateLimit)
		if err != nil {
			L_warn("memory: vector recall failed", "error", err)
			vector = nil
		}
	}

	ids := make(map[string]bool)
	for id := range lexical {
		ids[id] = true
	}
	for id := range vector {
		ids[id] = true
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now()
	var scored []Scored
	for id := range ids {
		entry, err := s.Get(id)
		if err != nil || entry == nil {
			continue
		}
		final := opts.WeightLexical*lexical[id] +
			opts.WeightVector*vector[id] +
			opts.WeightSalience*entry.Salience +
			opts.WeightRecency*recencyScore(now.Sub(entry.CreatedAt), opts.HalfLife)
		scored = append(scored, Scored{Entry: entry, Score: final})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	// near-duplicate suppression by normalized text prefix
	seen := make(map[string]bool)
	out := make([]Scored, 0, opts.Limit)
	for _, sc := range scored {
		prefix := dedupKey(sc.Entry.Text)
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		out = append(out, sc)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

const scopeFilter = `(scope = 'global'
	OR (scope = 'chat' AND scope_key = ?)
	OR (scope = 'user' AND scope_key = ?))`

// searchLexical runs FTS5 BM25 over the scoped entries. BM25 ranks are
// negative (lower is better); they are folded into (0,1].
func (s *Store) searchLexical(query, chatKey, senderID string, limit int) (map[string]float64, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT f.id, bm25(memory_fts) AS rank
		FROM memory_fts f
		JOIN memory_entries e ON e.id = f.id
		WHERE memory_fts MATCH ? AND `+scopeFilter+`
		ORDER BY rank
		LIMIT ?`, ftsQuery, chatKey, senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		results[id] = 1.0 / (1.0 + math.Abs(rank))
	}
	return results, rows.Err()
}

// buildFTSQuery strips FTS5 operators and joins terms with prefix matching.
func buildFTSQuery(query string) string {
	var parts []string
	for _, word := range strings.Fields(query) {
		word = strings.Map(func(r rune) rune {
			switch r {
			case '*', '"', '\'', '(', ')', ':', '^':
				return -1
			}
			return r
		}, word)
		if word != "" {
			parts = append(parts, word+"*")
		}
	}
	return strings.Join(parts, " ")
}

// searchVector loads scoped embeddings and ranks by cosine similarity.
func (s *Store) searchVector(ctx context.Context, provider EmbeddingProvider, query, chatKey, senderID string, limit int) (map[string]float64, error) {
	queryVec, err := provider.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT id, embedding FROM memory_entries
		WHERE embedding IS NOT NULL AND `+scopeFilter, chatKey, senderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal(blob, &vec); err != nil {
			continue
		}
		if sim := cosineSimilarity(queryVec, vec); sim > 0 {
			all = append(all, scored{id: id, score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	results := make(map[string]float64)
	for i, sc := range all {
		if i >= limit {
			break
		}
		results[sc.id] = sc.score
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// recencyScore decays exponentially with the configured half-life.
func recencyScore(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}

const dedupPrefixLen = 48

// dedupKey normalizes text for near-duplicate suppression: lowercase,
// whitespace collapsed, fixed-length prefix.
func dedupKey(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if len(norm) > dedupPrefixLen {
		norm = norm[:dedupPrefixLen]
	}
	return norm
}
