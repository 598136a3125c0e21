package rooms

import (
	"context"
	"cowrite-server/core"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	RoomResponse struct {
		ID           string    `json:"id"`
		Users        int       `json:"users"`
		Editors      int       `json:"editors"`
		ReadOnly     int       `json:"readOnly"`
		LastModified time.Time `json:"lastModified"`
	}

	HealthResponse struct {
		Status string `json:"status"`
	}

	RoomLister interface {
		ListRooms(ctx context.Context) ([]core.RoomSummary, error)
		FindRoom(ctx context.Context, roomID string) (*core.Room, error)
	}
)

func newRoomResponse(summary core.RoomSummary) RoomResponse {
	return RoomResponse{
		ID:           summary.ID,
		Users:        summary.Editors + summary.ReadOnly,
		Editors:      summary.Editors,
		ReadOnly:     summary.ReadOnly,
		LastModified: summary.LastModified.UTC(),
	}
}

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, HealthResponse{Status: "ok"})
	}
}

// HandleList lists every known room, most recently modified first.
func HandleList(store RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := store.ListRooms(r.Context())
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list rooms")
			http.Error(w, "Failed to list rooms", http.StatusServiceUnavailable)
			return
		}

		rooms := make([]RoomResponse, 0, len(summaries))
		for _, summary := range summaries {
			rooms = append(rooms, newRoomResponse(summary))
		}
		render.JSON(w, r, rooms)
	}
}

// HandleGet returns membership counts for one room. Content is only served
// over the collaboration socket.
func HandleGet(store RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		room, err := store.FindRoom(r.Context(), roomID)
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "error": err}).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusServiceUnavailable)
			return
		}

		render.JSON(w, r, newRoomResponse(core.RoomSummary{
			ID:           room.ID,
			Editors:      len(room.Editors),
			ReadOnly:     len(room.ReadOnlyMembers),
			LastModified: room.LastModified,
		}))
	}
}
