package chorus

// --- Ledger records ---

// Message is one conversational turn in the durable ledger.
// IDs are assigned by the store and strictly increase; content is
// immutable once appended. SummaryID and BatchID are back-pointers set
// when the turn is folded into a summary or a graph-ingestion batch.
type Message struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id,omitempty"` // unique when set; "" means none
	Channel    string `json:"channel"`               // free-form tag, e.g. "chat:lobby" or "terminal"
	AuthorID   int64  `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	IsSelf     bool   `json:"is_self"`
	IsBot      bool   `json:"is_bot"`
	CreatedAt  int64  `json:"created_at"` // Unix seconds, UTC
	SummaryID  *int64 `json:"summary_id,omitempty"`
	BatchID    *int64 `json:"batch_id,omitempty"`
}

// ScoredMessage is a full-text search hit with its FTS rank mapped to
// a relevance in [0,1] (closer to 1 = better).
type ScoredMessage struct {
	Message
	Relevance float64 `json:"relevance"`
}

// Summary is a compacted span of ledger messages. The covered range
// [StartID, EndID] never overlaps another summary for the same channel.
type Summary struct {
	ID           int64    `json:"id"`
	Text         string   `json:"text"`
	StartID      int64    `json:"start_message_id"`
	EndID        int64    `json:"end_message_id"`
	MessageCount int      `json:"message_count"`
	Channels     []string `json:"channels"`
	TimeStart    int64    `json:"time_span_start"`
	TimeEnd      int64    `json:"time_span_end"`
	Kind         string   `json:"kind"`
	CreatedAt    int64    `json:"created_at"`
}

// --- Coordination records ---

// Claim is a short-lived exclusive lock on the right to reply to one
// message in one channel. A claim is live iff ExpiresAt > now.
type Claim struct {
	ChannelID  string `json:"channel_id"`
	MessageID  int64  `json:"message_id"`
	InstanceID string `json:"instance_id"`
	ClaimedAt  int64  `json:"claimed_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// ActiveMode marks a channel the daemon may respond in without being
// directly addressed. Presence in the store means the mode is on.
type ActiveMode struct {
	ChannelID    string `json:"channel_id"`
	EnteredAt    int64  `json:"entered_at"`
	LastActivity int64  `json:"last_activity"`
	InstanceID   string `json:"instance_id"`
}

// --- Chat fabric records ---

// User is a chat fabric account. TokenHash is opaque to the core.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
	TokenHash   string `json:"-"`
	CreatedAt   int64  `json:"created_at"`
}

// Room is a named conversation space. A DM is just a room with
// IsDM=true; the API does not distinguish further.
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"` // unique slug
	DisplayName string `json:"display_name"`
	IsDM        bool   `json:"is_dm"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   int64  `json:"created_at"`
}

// ChatMessage is one message inside a fabric room.
type ChatMessage struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// --- Graph types ---

// GraphEdge is a directed fact between two entities in the knowledge
// graph. Duplicate edges under the same (source, relation, target,
// group) merge to a single UUID.
type GraphEdge struct {
	UUID       string `json:"uuid"`
	SourceUUID string `json:"source_uuid"`
	TargetUUID string `json:"target_uuid"`
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
	Relation   string `json:"relation"`
	Fact       string `json:"fact,omitempty"`
	Group      string `json:"group,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// GraphNode is an entity in the knowledge graph.
type GraphNode struct {
	UUID    string   `json:"uuid"`
	Name    string   `json:"name"`
	Labels  []string `json:"labels,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Group   string   `json:"group,omitempty"`
}

// Triplet is an explicit (source, relation, target) assertion passed to
// GraphEngine.AddTriplet.
type Triplet struct {
	Source     string `json:"source"`
	Relation   string `json:"relationship"`
	Target     string `json:"target"`
	Fact       string `json:"fact,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	Group      string `json:"group,omitempty"`
}

// Episode is free text handed to the graph engine for entity/edge
// extraction. Extraction itself is the engine's business.
type Episode struct {
	Body    string `json:"body"`
	Source  string `json:"source,omitempty"`
	Channel string `json:"channel,omitempty"`
	RefTime int64  `json:"ref_time,omitempty"`
}
