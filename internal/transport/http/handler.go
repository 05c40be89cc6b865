package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cwrk-planet/chat-service/internal/room"
)

type Rooms interface {
	Stats() []room.Stats
	Lookup(id string) (*room.Room, bool)
}

type Connections interface {
	Len() int
}

type Handler struct {
	rooms Rooms
	conns Connections
}

func NewHandler(rooms Rooms, conns Connections) *Handler {
	return &Handler{rooms: rooms, conns: conns}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type RoomsResponse struct {
	LiveConnections int          `json:"live_connections"`
	Items           []room.Stats `json:"items"`
}

type RoomResponse struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", slog.Any("err", err))
	}
}

// GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RoomsResponse{
		LiveConnections: h.conns.Len(),
		Items:           h.rooms.Stats(),
	})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rm, ok := h.rooms.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{RoomID: rm.ID(), Members: rm.MemberIDs()})
}
