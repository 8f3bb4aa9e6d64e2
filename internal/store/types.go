package store

// Conversation is a cached conversation summary.
type Conversation struct {
	ID                 string
	Title              string
	IsGroup            bool
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached server-confirmed message. ServerID is the
// server-assigned id (always non-negative); optimistic placeholders never
// reach the cache.
type Message struct {
	ID             int64
	ConversationID string
	ServerID       int64
	SenderID       string
	Text           string
	Read           bool
	CreatedAt      int64 // unix millis
}
