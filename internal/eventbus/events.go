package eventbus

import "time"

// Exchange is the durable topic exchange all domain events flow through.
const Exchange = "post-exchange"

// Routing keys, dot-segmented per topic-exchange convention.
const (
	PostCreatedKey = "post.created"
	PostDeletedKey = "post.deleted"
)

// PostCreated is published after a post is committed to the primary store.
type PostCreated struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostDeleted is published after a post is removed. MediaIDs lets the media
// service clean up blobs the post referenced.
type PostDeleted struct {
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	MediaIDs []string `json:"mediaIds"`
}
