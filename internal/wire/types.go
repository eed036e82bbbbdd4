package wire

// UserStub identifies a user in room membership lists.
type UserStub struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Reactor identifies a user inside a reaction list.
type Reactor struct {
	ReactorID   int    `json:"reactorId"`
	ReactorName string `json:"reactorName"`
}

// Message is a chat message. ID is client-generated and stable across
// retries; it correlates optimistic local state, queue entries, and
// server acks.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderID   int    `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content,omitempty"`
	// ImageURLs holds uploaded photo URLs in order. A nil entry marks an
	// individual upload that failed (shown to the sender only).
	ImageURLs      []*string `json:"imageURLs,omitempty"`
	PendingUploads int       `json:"pendingUploads,omitempty"`
	// Reactions maps emoji to reactor lists. A user appears at most once
	// across the whole map; see ToggleReaction.
	Reactions map[string][]Reactor `json:"reactions,omitempty"`
	Status    Status               `json:"status"`
	CreatedAt int64                `json:"createdAt"` // unix millis
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ImageURLs != nil {
		c.ImageURLs = make([]*string, len(m.ImageURLs))
		for i, u := range m.ImageURLs {
			if u != nil {
				v := *u
				c.ImageURLs[i] = &v
			}
		}
	}
	c.Reactions = CloneReactions(m.Reactions)
	return &c
}

// Room is a chat room. Non-group rooms have exactly two members.
type Room struct {
	ID      string     `json:"id"`
	IsGroup bool       `json:"isGroup"`
	Name    string     `json:"name,omitempty"` // present iff group
	Members []UserStub `json:"members"`
	// LastMsgAt and LastMsg are denormalized from the most recent message
	// for room-list previews. LastMsgAt is 0 when the room has no messages.
	LastMsgAt int64    `json:"lastMsgAt"`
	LastMsg   *Message `json:"lastMsg,omitempty"`
}

// HasMember reports whether the user is a member of the room.
func (r *Room) HasMember(userID int) bool {
	for _, m := range r.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Members = append([]UserStub(nil), r.Members...)
	c.LastMsg = r.LastMsg.Clone()
	return &c
}
