// Package memory implements the per-agent layered memory: a small working
// ring, an episodic store fed by salient evictions, and semantic digests
// consolidated from episodic clusters.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/store"
)

// recencyHalfLife controls the exponential decay used at recall time.
const recencyHalfLife = 24 * time.Hour

// Engine manages memory for all agents through one repository.
type Engine struct {
	repo store.MemoryRepository

	workingSize      int
	salienceThresh   float64
	consolidateEvery int

	mu      sync.Mutex
	inserts map[string]int // per-agent insert counter since last consolidation
}

// NewEngine creates a memory engine.
func NewEngine(repo store.MemoryRepository, workingSize int, salienceThresh float64, consolidateEvery int) *Engine {
	if workingSize <= 0 {
		workingSize = 50
	}
	if consolidateEvery <= 0 {
		consolidateEvery = 20
	}
	return &Engine{
		repo:             repo,
		workingSize:      workingSize,
		salienceThresh:   salienceThresh,
		consolidateEvery: consolidateEvery,
		inserts:          make(map[string]int),
	}
}

// Record inserts a new working memory. When the ring overflows, the evicted
// entry is promoted to episodic if salient enough, otherwise forgotten.
// Every consolidateEvery inserts, episodic overflow is folded into a semantic
// digest.
func (e *Engine) Record(ctx context.Context, agentID, content string, salience float64) (*models.MemoryEntry, error) {
	now := time.Now().UTC()
	entry := &models.MemoryEntry{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		Tier:           models.MemoryWorking,
		Content:        content,
		Salience:       models.ClampF(salience, 0, 1),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := e.repo.SaveMemory(ctx, entry); err != nil {
		return nil, fmt.Errorf("record memory for %s: %w", agentID, err)
	}

	if err := e.evictOverflow(ctx, agentID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.inserts[agentID]++
	due := e.inserts[agentID] >= e.consolidateEvery
	if due {
		e.inserts[agentID] = 0
	}
	e.mu.Unlock()

	if due {
		if err := e.consolidate(ctx, agentID); err != nil {
			slog.Warn("Memory consolidation failed", "agent_id", agentID, "error", err)
		}
	}
	return entry, nil
}

// evictOverflow keeps the working ring at its configured size.
func (e *Engine) evictOverflow(ctx context.Context, agentID string) error {
	working, err := e.repo.ListMemories(ctx, agentID, models.MemoryWorking)
	if err != nil {
		return err
	}
	// Newest first; everything past the ring is evicted oldest-last.
	for _, old := range working[min(len(working), e.workingSize):] {
		if old.Salience >= e.salienceThresh {
			old.Tier = models.MemoryEpisodic
			if err := e.repo.SaveMemory(ctx, old); err != nil {
				return fmt.Errorf("promote memory %s: %w", old.ID, err)
			}
		} else {
			if err := e.repo.DeleteMemory(ctx, old.ID); err != nil {
				return fmt.Errorf("forget memory %s: %w", old.ID, err)
			}
		}
	}
	return nil
}

// consolidate folds episodic overflow into one semantic digest. Only entries
// beyond the most recent consolidateEvery are folded, so fresh episodes stay
// individually recallable.
func (e *Engine) consolidate(ctx context.Context, agentID string) error {
	episodic, err := e.repo.ListMemories(ctx, agentID, models.MemoryEpisodic)
	if err != nil {
		return err
	}
	if len(episodic) <= e.consolidateEvery {
		return nil
	}
	old := episodic[e.consolidateEvery:]

	var (
		lines       []string
		maxSalience float64
	)
	// Oldest first in the digest.
	for i := len(old) - 1; i >= 0; i-- {
		lines = append(lines, old[i].Content)
		maxSalience = math.Max(maxSalience, old[i].Salience)
	}
	now := time.Now().UTC()
	digest := &models.MemoryEntry{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		Tier:           models.MemorySemantic,
		Content:        strings.Join(lines, "\n"),
		Salience:       maxSalience,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := e.repo.SaveMemory(ctx, digest); err != nil {
		return fmt.Errorf("save semantic digest: %w", err)
	}
	for _, entry := range old {
		if err := e.repo.DeleteMemory(ctx, entry.ID); err != nil {
			return fmt.Errorf("drop consolidated memory %s: %w", entry.ID, err)
		}
	}
	slog.Debug("Consolidated episodic memories",
		"agent_id", agentID, "folded", len(old))
	return nil
}

// Recall returns up to limit memories ranked by salience, recency decay, and
// cue overlap, searching episodic then semantic tiers. Returned entries get
// their access bookkeeping bumped.
func (e *Engine) Recall(ctx context.Context, agentID, cue string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	var pool []*models.MemoryEntry
	for _, tier := range []models.MemoryTier{models.MemoryEpisodic, models.MemorySemantic} {
		entries, err := e.repo.ListMemories(ctx, agentID, tier)
		if err != nil {
			return nil, fmt.Errorf("recall for %s: %w", agentID, err)
		}
		pool = append(pool, entries...)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	cueWords := tokenize(cue)
	type scored struct {
		entry *models.MemoryEntry
		score float64
	}
	ranked := make([]scored, 0, len(pool))
	for _, entry := range pool {
		ranked = append(ranked, scored{entry, score(entry, cueWords, now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]*models.MemoryEntry, 0, limit)
	for _, r := range ranked[:limit] {
		r.entry.AccessCount++
		r.entry.LastAccessedAt = now
		if err := e.repo.SaveMemory(ctx, r.entry); err != nil {
			slog.Warn("Failed to bump memory access", "memory_id", r.entry.ID, "error", err)
		}
		out = append(out, r.entry)
	}
	return out, nil
}

// HistoryCue renders recalled memories as a compact prompt fragment, or ""
// when the agent has nothing relevant to remember.
func (e *Engine) HistoryCue(ctx context.Context, agentID, cue string) (string, error) {
	entries, err := e.Recall(ctx, agentID, cue, 3)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		content := entry.Content
		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			content = content[:idx]
		}
		if len(content) > 160 {
			content = content[:157] + "..."
		}
		lines = append(lines, "- "+content)
	}
	return strings.Join(lines, "\n"), nil
}

// Forget drops everything the agent remembers. Used at despawn.
func (e *Engine) Forget(ctx context.Context, agentID string) error {
	e.mu.Lock()
	delete(e.inserts, agentID)
	e.mu.Unlock()
	return e.repo.DeleteMemories(ctx, agentID)
}

// score combines salience, exponential recency decay, and cue word overlap.
func score(entry *models.MemoryEntry, cueWords map[string]struct{}, now time.Time) float64 {
	age := now.Sub(entry.CreatedAt)
	recency := math.Exp2(-float64(age) / float64(recencyHalfLife))
	s := entry.Salience * recency
	if len(cueWords) > 0 {
		matches := 0
		for w := range tokenize(entry.Content) {
			if _, ok := cueWords[w]; ok {
				matches++
			}
		}
		s += 0.2 * float64(matches)
	}
	return s
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

// ScoreSalience estimates how memorable a turn was from its outcome.
func ScoreSalience(appraisal *models.TurnAppraisal, toolCalls int, failed bool) float64 {
	s := 0.3
	if failed {
		s += 0.2
	}
	if toolCalls > 0 {
		s += 0.1
	}
	if appraisal != nil {
		magnitude := math.Abs(appraisal.ValenceDelta) + math.Abs(appraisal.StressDelta) +
			math.Abs(appraisal.TrustDelta) + math.Abs(appraisal.RespectDelta) + math.Abs(appraisal.AffectionDelta)
		s += models.ClampF(magnitude/5, 0, 0.3)
		if appraisal.NotableEvent != "" {
			s += 0.2
		}
	}
	return models.ClampF(s, 0, 1)
}
