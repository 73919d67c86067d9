// Package domain holds the post service's entities.
package domain

import "time"

// Post is a user-authored entry in the feed.
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	MediaIDs  []string  `json:"mediaIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Page is one page of the feed, newest first.
type Page struct {
	Posts       []Post `json:"posts"`
	CurrentPage int    `json:"currentPage"`
	TotalPages  int    `json:"totalPages"`
	TotalPosts  int    `json:"totalPosts"`
}
