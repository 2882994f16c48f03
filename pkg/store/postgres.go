package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)

	"github.com/gemini-legion/legion/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PGStore is the PostgreSQL backend. Queries run on a pgxpool; migrations are
// applied once at startup through database/sql.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, applies pending migrations, and returns a ready store.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

var _ Store = (*PGStore)(nil)

// Pool exposes the underlying pool for the NOTIFY transport.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// runMigrations applies embedded migration files with golang-migrate.
// Migrations are embedded so production deployments need no external files.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "legion", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

func (s *PGStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	persona, err := json.Marshal(agent.Persona)
	if err != nil {
		return fmt.Errorf("marshal persona: %w", err)
	}
	var emotional []byte
	var version uint64
	if agent.Emotional != nil {
		if emotional, err = json.Marshal(agent.Emotional); err != nil {
			return fmt.Errorf("marshal emotional state: %w", err)
		}
		version = agent.Emotional.Version
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, persona, status, emotional, emotional_version, spawned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			persona = EXCLUDED.persona,
			status = EXCLUDED.status,
			emotional = EXCLUDED.emotional,
			emotional_version = EXCLUDED.emotional_version`,
		agent.ID, persona, string(agent.Status), emotional, version, agent.SpawnedAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var (
		agent     models.Agent
		persona   []byte
		emotional []byte
		status    string
	)
	if err := row.Scan(&agent.ID, &persona, &status, &emotional, &agent.SpawnedAt); err != nil {
		return nil, err
	}
	agent.Status = models.AgentStatus(status)
	if err := json.Unmarshal(persona, &agent.Persona); err != nil {
		return nil, fmt.Errorf("unmarshal persona: %w", err)
	}
	if len(emotional) > 0 {
		agent.Emotional = &models.EmotionalState{}
		if err := json.Unmarshal(emotional, agent.Emotional); err != nil {
			return nil, fmt.Errorf("unmarshal emotional state: %w", err)
		}
	}
	return &agent, nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, persona, status, emotional, spawned_at FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

func (s *PGStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, persona, status, emotional, spawned_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) UpdateEmotionalState(ctx context.Context, agentID string, state *models.EmotionalState, expectedVersion uint64) error {
	emotional, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal emotional state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET emotional = $1, emotional_version = $2
		WHERE id = $3 AND emotional_version = $4`,
		emotional, state.Version, agentID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update emotional state of %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAgent(ctx, agentID); err != nil {
			return err
		}
		return fmt.Errorf("%w: emotional state of %s, expected version %d",
			models.ErrConcurrencyConflict, agentID, expectedVersion)
	}
	return nil
}

func (s *PGStore) UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $1 WHERE id = $2`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	return nil
}

func (s *PGStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	members, err := json.Marshal(ch.MemberList())
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO channels (id, type, name, description, members, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			members = EXCLUDED.members`,
		ch.ID, string(ch.Type), ch.Name, ch.Description, members, ch.CreatedBy, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("save channel %s: %w", ch.ID, err)
	}
	return nil
}

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var (
		ch      models.Channel
		chType  string
		members []byte
	)
	if err := row.Scan(&ch.ID, &chType, &ch.Name, &ch.Description, &members, &ch.CreatedBy, &ch.CreatedAt); err != nil {
		return nil, err
	}
	ch.Type = models.ChannelType(chType)
	var list []string
	if err := json.Unmarshal(members, &list); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	ch.Members = make(map[string]struct{}, len(list))
	for _, m := range list {
		ch.Members[m] = struct{}{}
	}
	return &ch, nil
}

func (s *PGStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, type, name, description, members, created_by, created_at FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return ch, nil
}

func (s *PGStore) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, name, description, members, created_by, created_at FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: channel %s", models.ErrNotFound, id)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE channel_id = $1`, id)
	return err
}

func (s *PGStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	var metadata []byte
	if msg.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, sender_kind, content, kind, metadata, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ChannelID, msg.SenderID, string(msg.SenderKind), msg.Content,
		string(msg.Kind), metadata, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PGStore) ListMessages(ctx context.Context, channelID string, limit int, beforeID string) ([]*models.Message, error) {
	query := `
		SELECT id, channel_id, sender_id, sender_kind, content, kind, metadata, ts
		FROM messages WHERE channel_id = $1`
	args := []any{channelID}
	if beforeID != "" {
		query += ` AND seq < (SELECT seq FROM messages WHERE id = $2)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages in %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg        models.Message
			senderKind string
			kind       string
			metadata   []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &senderKind,
			&msg.Content, &kind, &metadata, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SenderKind = models.SenderKind(senderKind)
		msg.Kind = models.MessageKind(kind)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows arrive newest first; callers expect newest last.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PGStore) GetSession(ctx context.Context, agentID, conversationID string) (*models.Session, error) {
	var (
		sess    models.Session
		history []byte
		state   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, conversation_id, history, summary, state, version, updated_at
		FROM sessions WHERE agent_id = $1 AND conversation_id = $2`,
		agentID, conversationID).
		Scan(&sess.AgentID, &sess.ConversationID, &history, &sess.Summary, &state, &sess.Version, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s/%s", models.ErrNotFound, agentID, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s/%s: %w", agentID, conversationID, err)
	}
	if err := json.Unmarshal(history, &sess.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &sess.State); err != nil {
			return nil, fmt.Errorf("unmarshal session state: %w", err)
		}
	}
	return &sess, nil
}

func (s *PGStore) PutSession(ctx context.Context, session *models.Session, expectedVersion uint64) error {
	history, err := json.Marshal(session.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var state []byte
	if session.State != nil {
		if state, err = json.Marshal(session.State); err != nil {
			return fmt.Errorf("marshal session state: %w", err)
		}
	}
	now := time.Now().UTC()
	newVersion := expectedVersion + 1

	var tagRows int64
	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (agent_id, conversation_id, history, summary, state, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (agent_id, conversation_id) DO NOTHING`,
			session.AgentID, session.ConversationID, history, session.Summary, state, newVersion, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		tagRows = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET history = $1, summary = $2, state = $3, version = $4, updated_at = $5
			WHERE agent_id = $6 AND conversation_id = $7 AND version = $8`,
			history, session.Summary, state, newVersion, now,
			session.AgentID, session.ConversationID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		tagRows = tag.RowsAffected()
	}
	if tagRows == 0 {
		return fmt.Errorf("%w: session %s/%s, expected version %d",
			models.ErrConcurrencyConflict, session.AgentID, session.ConversationID, expectedVersion)
	}
	session.Version = newVersion
	session.UpdatedAt = now
	return nil
}

func (s *PGStore) DeleteSessions(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete sessions of %s: %w", agentID, err)
	}
	return nil
}

func (s *PGStore) SaveMemory(ctx context.Context, entry *models.MemoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, agent_id, tier, content, salience, created_at, last_accessed_at, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			salience = EXCLUDED.salience,
			last_accessed_at = EXCLUDED.last_accessed_at,
			access_count = EXCLUDED.access_count`,
		entry.ID, entry.AgentID, string(entry.Tier), entry.Content, entry.Salience,
		entry.CreatedAt, entry.LastAccessedAt, entry.AccessCount)
	if err != nil {
		return fmt.Errorf("save memory %s: %w", entry.ID, err)
	}
	return nil
}

func (s *PGStore) ListMemories(ctx context.Context, agentID string, tier models.MemoryTier) ([]*models.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, tier, content, salience, created_at, last_accessed_at, access_count
		FROM memories WHERE agent_id = $1 AND tier = $2 ORDER BY created_at DESC`,
		agentID, string(tier))
	if err != nil {
		return nil, fmt.Errorf("list memories of %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*models.MemoryEntry
	for rows.Next() {
		var (
			e       models.MemoryEntry
			tierStr string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &tierStr, &e.Content, &e.Salience,
			&e.CreatedAt, &e.LastAccessedAt, &e.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.Tier = models.MemoryTier(tierStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteMemory(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) DeleteMemories(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete memories of %s: %w", agentID, err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() {
	s.pool.Close()
}
