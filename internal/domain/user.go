package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxDisplayNameLength = 64

// User is a logged-in identity bound to one live connection.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	ConnectionID string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserInfo is the public part of a user sent over the wire.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func NewUser(displayName string, connectionID string) (*User, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:           uuid.New().String(),
		DisplayName:  name,
		ConnectionID: connectionID,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (u *User) Info() UserInfo {
	return UserInfo{ID: u.ID, DisplayName: u.DisplayName}
}

func NormalizeDisplayName(displayName string) (string, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "", ErrEmptyDisplayName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", ErrDisplayNameLong
	}
	return name, nil
}
