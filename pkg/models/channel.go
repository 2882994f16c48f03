package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ChannelType classifies a channel's membership semantics.
type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
	ChannelDM      ChannelType = "dm"
)

// ValidChannelType reports whether t is one of the known channel types.
func ValidChannelType(t ChannelType) bool {
	switch t {
	case ChannelPublic, ChannelPrivate, ChannelDM:
		return true
	}
	return false
}

// Channel is a named message-routing room with typed membership.
// Members holds both agent ids and user ids.
type Channel struct {
	ID          string              `json:"channel_id"`
	Type        ChannelType         `json:"type"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Members     map[string]struct{} `json:"-"`
	CreatedAt   time.Time           `json:"created_at"`
	CreatedBy   string              `json:"created_by"`
}

// MemberList returns the members sorted for stable JSON output.
func (c *Channel) MemberList() []string {
	out := make([]string, 0, len(c.Members))
	for m := range c.Members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether entityID belongs to the channel.
func (c *Channel) IsMember(entityID string) bool {
	_, ok := c.Members[entityID]
	return ok
}

// channelJSON is the wire shape: the member set travels as a sorted list.
type channelJSON struct {
	ID          string      `json:"channel_id"`
	Type        ChannelType `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Members     []string    `json:"members"`
	CreatedAt   time.Time   `json:"created_at"`
	CreatedBy   string      `json:"created_by"`
}

// MarshalJSON includes the membership the set representation would hide.
func (c *Channel) MarshalJSON() ([]byte, error) {
	return json.Marshal(channelJSON{
		ID:          c.ID,
		Type:        c.Type,
		Name:        c.Name,
		Description: c.Description,
		Members:     c.MemberList(),
		CreatedAt:   c.CreatedAt,
		CreatedBy:   c.CreatedBy,
	})
}

// UnmarshalJSON rebuilds the member set from the wire list.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var w channelJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ID = w.ID
	c.Type = w.Type
	c.Name = w.Name
	c.Description = w.Description
	c.CreatedAt = w.CreatedAt
	c.CreatedBy = w.CreatedBy
	c.Members = make(map[string]struct{}, len(w.Members))
	for _, m := range w.Members {
		c.Members[m] = struct{}{}
	}
	return nil
}

// ConversationID derives the session conversation key for this channel.
// Public and private rooms use the channel id; DMs use the sorted member pair
// so both sides of the conversation share one session key.
func (c *Channel) ConversationID() string {
	if c.Type != ChannelDM {
		return c.ID
	}
	members := c.MemberList()
	return "dm:" + strings.Join(members, "|")
}
