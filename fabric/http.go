package fabric

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/halcyonlabs/chorus"
)

// API is the HTTP facade for bot clients that do not hold a websocket
// open. Every route requires a bearer token; messages posted here flow
// through the same hub broadcast as websocket messages.
type API struct {
	hub   *Hub
	store chorus.ChatStore
}

// NewAPI builds the bot facade over a hub and its store.
func NewAPI(hub *Hub, store chorus.ChatStore) *API {
	return &API{hub: hub, store: store}
}

// Routes registers the facade on a mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms", a.auth(a.listRooms))
	mux.HandleFunc("POST /rooms", a.auth(a.createRoom))
	mux.HandleFunc("GET /rooms/{id}/messages", a.auth(a.roomMessages))
	mux.HandleFunc("POST /rooms/{id}/messages", a.auth(a.postMessage))
	mux.HandleFunc("POST /rooms/{id}/join", a.auth(a.joinRoom))
	mux.HandleFunc("GET /users", a.auth(a.listUsers))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user chorus.User)

// auth resolves the bearer token to a user or rejects with 401.
func (a *API) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		user, err := a.store.UserByToken(r.Context(), TokenHash(token))
		if err != nil {
			if errors.Is(err, chorus.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, http.StatusInternalServerError, "auth lookup failed")
			return
		}
		next(w, r, user)
	}
}

func (a *API) listRooms(w http.ResponseWriter, r *http.Request, user chorus.User) {
	rooms, err := a.store.RoomsFor(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list rooms failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (a *API) createRoom(w http.ResponseWriter, r *http.Request, user chorus.User) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		IsDM        bool   `json:"is_dm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	room := chorus.Room{
		ID:          chorus.NewID(),
		Name:        strings.TrimSpace(req.Name),
		DisplayName: req.DisplayName,
		IsDM:        req.IsDM,
		CreatedBy:   user.ID,
		CreatedAt:   chorus.NowUnix(),
	}
	if room.DisplayName == "" {
		room.DisplayName = room.Name
	}
	if err := a.store.CreateRoom(r.Context(), room); err != nil {
		writeError(w, http.StatusConflict, "room exists")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) roomMessages(w http.ResponseWriter, r *http.Request, user chorus.User) {
	roomID := r.PathValue("id")
	if !a.requireMember(w, r, roomID, user) {
		return
	}
	beforeID, _ := strconv.ParseInt(r.URL.Query().Get("before_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, hasMore, err := a.store.History(r.Context(), roomID, beforeID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "has_more": hasMore})
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request, user chorus.User) {
	roomID := r.PathValue("id")
	if !a.requireMember(w, r, roomID, user) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	m, err := a.hub.PostMessage(r.Context(), roomID, user, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "post failed")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) joinRoom(w http.ResponseWriter, r *http.Request, user chorus.User) {
	roomID := r.PathValue("id")
	if _, err := a.store.RoomByID(r.Context(), roomID); err != nil {
		writeError(w, http.StatusNotFound, "no such room")
		return
	}
	if err := a.store.Join(r.Context(), roomID, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": roomID})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, _ chorus.User) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list users failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// requireMember enforces membership; non-members get a 404 so room
// existence is not leaked.
func (a *API) requireMember(w http.ResponseWriter, r *http.Request, roomID string, user chorus.User) bool {
	ok, err := a.store.IsMember(r.Context(), roomID, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "membership lookup failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no such room")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
