// Package fabric is the realtime chat surface: rooms, users, presence,
// and a bidirectional websocket stream, with an HTTP facade for bot
// clients. Persistence is delegated to a chorus.ChatStore.
package fabric

import (
	"encoding/json"

	"github.com/halcyonlabs/chorus"
)

// Frame types the server accepts.
const (
	FrameMessage = "message"
	FrameHistory = "history"
	FrameTyping  = "typing"
)

// Frame types the server emits (plus the accepted ones, echoed).
const (
	FrameConnected = "connected"
	FramePresence  = "presence"
	FrameError     = "error"
)

// InFrame is one client→server frame. Fields are a union over the
// accepted types.
type InFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	Content  string `json:"content,omitempty"`
	BeforeID int64  `json:"before_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// OutFrame is one server→client frame.
type OutFrame struct {
	Type     string               `json:"type"`
	User     *chorus.User         `json:"user,omitempty"`
	Rooms    []chorus.Room        `json:"rooms,omitempty"`
	Users    []chorus.User        `json:"users,omitempty"`
	RoomID   string               `json:"room_id,omitempty"`
	Message  *chorus.ChatMessage  `json:"message,omitempty"`
	Messages []chorus.ChatMessage `json:"messages,omitempty"`
	HasMore  bool                 `json:"has_more,omitempty"`
	Username string               `json:"username,omitempty"`
	Online   bool                 `json:"online,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func (f OutFrame) encode() []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// OutFrame is marshal-safe by construction.
		return []byte(`{"type":"error","error":"encode failed"}`)
	}
	return b
}
