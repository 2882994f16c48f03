// Package channels implements the channel service: rooms, membership, and the
// single admission point for messages. Every admitted message gets its id
// here and is announced exactly once on the bus.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/store"
)

// Repository is the slice of the store the channel service needs.
type Repository interface {
	store.ChannelRepository
	store.MessageRepository
}

// Service is the channel service.
type Service struct {
	repo Repository
	bus  *bus.Bus
}

// NewService creates the channel service.
func NewService(repo Repository, b *bus.Bus) *Service {
	return &Service{repo: repo, bus: b}
}

// Create validates and persists a new channel, then announces it.
// DM channels must name exactly two members and their membership is frozen.
func (s *Service) Create(ctx context.Context, chType models.ChannelType, name, description string, members []string, createdBy string) (*models.Channel, error) {
	if !models.ValidChannelType(chType) {
		return nil, models.NewValidationError("type", fmt.Sprintf("unknown channel type %q", chType))
	}
	if strings.TrimSpace(name) == "" {
		return nil, models.NewValidationError("name", "must not be empty")
	}

	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			memberSet[m] = struct{}{}
		}
	}
	if chType == models.ChannelDM && len(memberSet) != 2 {
		return nil, models.NewValidationError("members",
			fmt.Sprintf("dm channels need exactly 2 members, got %d", len(memberSet)))
	}

	ch := &models.Channel{
		ID:          uuid.New().String(),
		Type:        chType,
		Name:        name,
		Description: description,
		Members:     memberSet,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   createdBy,
	}
	if err := s.repo.SaveChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("create channel %s: %w", name, err)
	}

	slog.Info("Channel created", "channel_id", ch.ID, "type", chType, "name", name)
	s.publish(models.NewEvent(models.EventChannelCreated, "channel-service", ch))
	return ch, nil
}

// Delete removes the channel and its message log.
func (s *Service) Delete(ctx context.Context, channelID string) error {
	if err := s.repo.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	slog.Info("Channel deleted", "channel_id", channelID)
	s.publish(models.NewEvent(models.EventChannelDeleted, "channel-service",
		models.MemberPayload{ChannelID: channelID}))
	return nil
}

// Get returns the channel.
func (s *Service) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	return s.repo.GetChannel(ctx, channelID)
}

// List returns all channels.
func (s *Service) List(ctx context.Context) ([]*models.Channel, error) {
	return s.repo.ListChannels(ctx)
}

// AddMember joins an entity to the channel. DM membership is immutable.
// Adding an existing member is a no-op and emits nothing.
func (s *Service) AddMember(ctx context.Context, channelID, entityID string) error {
	ch, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Type == models.ChannelDM {
		return models.NewValidationError("channel", "dm membership cannot change")
	}
	if ch.IsMember(entityID) {
		return nil
	}
	ch.Members[entityID] = struct{}{}
	if err := s.repo.SaveChannel(ctx, ch); err != nil {
		return fmt.Errorf("add member %s to %s: %w", entityID, channelID, err)
	}
	s.publish(models.NewEvent(models.EventMemberJoined, "channel-service",
		models.MemberPayload{ChannelID: channelID, EntityID: entityID}))
	return nil
}

// RemoveMember removes an entity from the channel.
func (s *Service) RemoveMember(ctx context.Context, channelID, entityID string) error {
	ch, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Type == models.ChannelDM {
		return models.NewValidationError("channel", "dm membership cannot change")
	}
	if !ch.IsMember(entityID) {
		return nil
	}
	delete(ch.Members, entityID)
	if err := s.repo.SaveChannel(ctx, ch); err != nil {
		return fmt.Errorf("remove member %s from %s: %w", entityID, channelID, err)
	}
	s.publish(models.NewEvent(models.EventMemberLeft, "channel-service",
		models.MemberPayload{ChannelID: channelID, EntityID: entityID}))
	return nil
}

// Post admits one message: authorization, id assignment, durable append, then
// exactly one MessagePosted announcement. Posting to a private or dm channel
// requires membership; public channels accept any sender, and the system
// sender bypasses membership everywhere.
func (s *Service) Post(ctx context.Context, channelID, senderID string, senderKind models.SenderKind, content string, kind models.MessageKind, metadata map[string]any) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, models.NewValidationError("content", "must not be empty")
	}
	ch, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Type != models.ChannelPublic && senderKind != models.SenderSystem && !ch.IsMember(senderID) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", models.ErrNotAuthorized, senderID, channelID)
	}
	if kind == "" {
		kind = models.MessageChat
	}

	msg := &models.Message{
		ID:         uuid.New().String(),
		ChannelID:  channelID,
		SenderID:   senderID,
		SenderKind: senderKind,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Metadata:   metadata,
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message to %s: %w", channelID, err)
	}

	s.publish(models.NewEvent(models.EventMessagePosted, "channel-service", msg))
	return msg, nil
}

// Messages returns up to limit messages, newest last, optionally older than
// beforeID.
func (s *Service) Messages(ctx context.Context, channelID string, limit int, beforeID string) ([]*models.Message, error) {
	if _, err := s.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMessages(ctx, channelID, limit, beforeID)
}

func (s *Service) publish(event models.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event); err != nil {
		slog.Warn("Failed to publish channel event", "type", event.Type, "error", err)
	}
}
