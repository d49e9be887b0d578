package model

import "time"

// Conversation is a fixed set of participants sharing one ordered message
// sequence. Membership is immutable inside this core; changes happen in the
// surrounding application and arrive as a fresh Conversation record.
type Conversation struct {
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	Participants   []string  `bson:"participants" json:"participants"`
	CreateTime     time.Time `bson:"create_time" json:"create_time"`
}

const (
	ConvFieldConversationID = "conversation_id"
	ConvFieldParticipants   = "participants"
	ConvFieldCreateTime     = "create_time"
)

func (Conversation) GetTableName() string { return "conversation" }

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
