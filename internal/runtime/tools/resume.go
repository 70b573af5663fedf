package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	resumeChunkSize    = 400
	resumeChunkOverlap = 50

	defaultSnippets = 3
	maxSnippets     = 10

	// Weights when embeddings are available.
	vectorWeight  = 0.7
	lexicalWeight = 0.3
)

// Separators tried in order when a piece is longer than a chunk.
var chunkSeparators = []string{"\n\n", "\n", ". ", " "}

// ErrNoResume is returned when no résumé text has been stored.
var ErrNoResume = errors.New("no resume stored")

// Embedder turns texts into vectors. Optional: without one, snippets are
// ranked by term overlap alone.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Snippet is one ranked résumé chunk.
type Snippet struct {
	Index int     `json:"index"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// ResumeIndex chunks a stored plain-text résumé and ranks the chunks
// against a query. The index is rebuilt when the file changes.
type ResumeIndex struct {
	path     string
	embedder Embedder

	mu      sync.Mutex
	modTime time.Time
	size    int64
	chunks  []string
	tokens  [][]string
	df      map[string]int
	vectors [][]float32
}

// NewResumeIndex creates an index over the file at path. embedder may be nil.
func NewResumeIndex(path string, embedder Embedder) *ResumeIndex {
	return &ResumeIndex{path: path, embedder: embedder}
}

// Path returns the résumé file location.
func (r *ResumeIndex) Path() string {
	return r.path
}

// Save replaces the stored résumé text atomically.
func (r *ResumeIndex) Save(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("resume text is empty")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create resume directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return fmt.Errorf("write resume: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename resume: %w", err)
	}
	return nil
}

// Chunks returns the current chunks of the stored résumé.
func (r *ResumeIndex) Chunks() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return nil, err
	}
	return append([]string(nil), r.chunks...), nil
}

// refresh rebuilds the index if the file changed. Caller holds r.mu.
func (r *ResumeIndex) refresh() error {
	info, err := os.Stat(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w at %s", ErrNoResume, r.path)
	}
	if err != nil {
		return fmt.Errorf("stat resume: %w", err)
	}
	if r.chunks != nil && info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read resume: %w", err)
	}
	chunks := splitChunks(string(data), resumeChunkSize, resumeChunkOverlap)
	if len(chunks) == 0 {
		return fmt.Errorf("%w at %s (file is empty)", ErrNoResume, r.path)
	}

	r.chunks = chunks
	r.tokens = make([][]string, len(chunks))
	r.df = make(map[string]int)
	for i, c := range chunks {
		r.tokens[i] = tokenize(c)
		seen := make(map[string]bool)
		for _, tok := range r.tokens[i] {
			if !seen[tok] {
				seen[tok] = true
				r.df[tok]++
			}
		}
	}
	r.vectors = nil
	r.modTime = info.ModTime()
	r.size = info.Size()
	return nil
}

// Search returns up to limit chunks ranked by relevance to query. Chunks
// with no relevance are left out.
func (r *ResumeIndex) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = defaultSnippets
	}
	limit = min(limit, maxSnippets)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return nil, err
	}

	queryVec := r.tfidf(tokenize(query))
	lexical := make([]float64, len(r.chunks))
	for i := range r.chunks {
		lexical[i] = cosine(queryVec, r.tfidf(r.tokens[i]))
	}

	scores := lexical
	if vectorScores, ok := r.vectorScores(ctx, query); ok {
		scores = make([]float64, len(r.chunks))
		for i := range scores {
			scores[i] = vectorWeight*vectorScores[i] + lexicalWeight*lexical[i]
		}
	}

	out := make([]Snippet, 0, len(r.chunks))
	for i, s := range scores {
		if s <= 0 {
			continue
		}
		out = append(out, Snippet{Index: i, Text: r.chunks[i], Score: math.Round(s*1000) / 1000})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// vectorScores embeds the chunks (once per file version) and the query.
// Embedding failures fall back to lexical ranking.
func (r *ResumeIndex) vectorScores(ctx context.Context, query string) ([]float64, bool) {
	if r.embedder == nil {
		return nil, false
	}
	if r.vectors == nil {
		vecs, err := r.embedder.Embed(ctx, r.chunks)
		if err != nil || len(vecs) != len(r.chunks) {
			slog.Warn("resume embedding failed, using term ranking", "error", err)
			return nil, false
		}
		r.vectors = vecs
	}
	qv, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(qv) != 1 {
		slog.Warn("query embedding failed, using term ranking", "error", err)
		return nil, false
	}
	scores := make([]float64, len(r.vectors))
	for i, v := range r.vectors {
		scores[i] = cosineDense(qv[0], v)
	}
	return scores, true
}

func (r *ResumeIndex) tfidf(tokens []string) map[string]float64 {
	tf := make(map[string]int)
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make(map[string]float64, len(tf))
	for tok, n := range tf {
		df := r.df[tok]
		if df == 0 {
			continue
		}
		vec[tok] = float64(n) * (1 + math.Log(float64(len(r.chunks))/float64(df)))
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		dot += v * b[k]
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cosineDense(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// splitChunks cuts text into chunks of at most size bytes. Consecutive
// chunks repeat up to overlap bytes of whole pieces from the previous one.
func splitChunks(text string, size, overlap int) []string {
	pieces := splitPieces(strings.TrimSpace(text), chunkSeparators, size)

	var (
		chunks []string
		window []string
		total  int
	)
	flush := func() {
		if c := strings.TrimSpace(strings.Join(window, "")); c != "" {
			chunks = append(chunks, c)
		}
	}
	for _, p := range pieces {
		if total+len(p) > size && len(window) > 0 {
			flush()
			for len(window) > 0 && (total > overlap || total+len(p) > size) {
				total -= len(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		total += len(p)
	}
	flush()
	return chunks
}

// splitPieces breaks text into pieces no longer than size, keeping each
// separator attached to the piece it ends.
func splitPieces(text string, seps []string, size int) []string {
	if len(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	if len(seps) == 0 {
		return hardCut(text, size)
	}
	if !strings.Contains(text, seps[0]) {
		return splitPieces(text, seps[1:], size)
	}
	var out []string
	for _, part := range strings.SplitAfter(text, seps[0]) {
		if len(part) > size {
			out = append(out, splitPieces(part, seps[1:], size)...)
		} else if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// hardCut splits on rune boundaries into pieces of at most size bytes.
func hardCut(text string, size int) []string {
	var out []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// SearchResumeTool finds résumé snippets relevant to a question.
type SearchResumeTool struct{ index *ResumeIndex }

func NewSearchResume(index *ResumeIndex) *SearchResumeTool {
	return &SearchResumeTool{index: index}
}

func (t *SearchResumeTool) Name() string { return string(SearchResume) }
func (t *SearchResumeTool) Description() string {
	return "Search the stored resume and return the snippets most relevant to a question"
}
func (t *SearchResumeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "What to look for, e.g. 'Go experience'"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of snippets (default 3)"}
		},
		"required": ["query"]
	}`)
}

func (t *SearchResumeTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if t.index == nil {
		return nil, ErrNoResume
	}
	snippets, err := t.index.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": params.Query, "snippets": snippets}, nil
}
