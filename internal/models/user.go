package models

import "time"

// User is the persisted identity record. JoinedRooms is ordered by join time.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	JoinedRooms  []string  `json:"joinedRooms"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasJoined reports whether room is in the user's joined-room list.
func (u *User) HasJoined(room string) bool {
	for _, r := range u.JoinedRooms {
		if r == room {
			return true
		}
	}
	return false
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool     `json:"success"`
	Token       string   `json:"token"`
	Username    string   `json:"username"`
	JoinedRooms []string `json:"joinedRooms"`
}
