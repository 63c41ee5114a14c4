package converter

import (
	"github.com/immxrtalbeast/meetsignal/internal/domain"
)

type RoomResponse struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Protected        bool                  `json:"protected"`
	Participants     []ParticipantResponse `json:"participants"`
	ParticipantCount int                   `json:"participant_count"`
}

type ParticipantResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type UserResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func RoomToApi(r domain.RoomSnapshot) *RoomResponse {
	participants := make([]ParticipantResponse, 0, len(r.Participants))
	for _, p := range r.Participants {
		participants = append(participants, ParticipantResponse{
			ID:          p.ID,
			DisplayName: p.DisplayName,
		})
	}

	return &RoomResponse{
		ID:               r.ID,
		Name:             r.Name,
		Protected:        r.Protected,
		Participants:     participants,
		ParticipantCount: len(participants),
	}
}

func RoomsToApi(rooms []domain.RoomSnapshot) []*RoomResponse {
	out := make([]*RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomToApi(r))
	}
	return out
}

func UserToApi(u domain.User) *UserResponse {
	return &UserResponse{ID: u.ID, DisplayName: u.DisplayName}
}
