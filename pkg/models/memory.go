package models

import "time"

// MemoryTier identifies which layer of an agent's memory an entry lives in.
type MemoryTier string

const (
	// MemoryWorking is the small always-in-context ring of recent experience.
	MemoryWorking MemoryTier = "working"
	// MemoryEpisodic holds salient experiences evicted from working memory.
	MemoryEpisodic MemoryTier = "episodic"
	// MemorySemantic holds consolidated abstractions over episodic clusters.
	MemorySemantic MemoryTier = "semantic"
)

// MemoryEntry is one remembered experience or abstraction.
type MemoryEntry struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Tier           MemoryTier `json:"tier"`
	Content        string     `json:"content"`
	// Salience in [0,1]; scored at insertion and decayed by recency at recall.
	Salience       float64   `json:"salience"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}
