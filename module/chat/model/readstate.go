package model

// ReadState is a user's read cursor inside one conversation: the highest
// sequence the user has acknowledged. ReadSeq only ever moves forward.
type ReadState struct {
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	UserID         string `bson:"user_id" json:"user_id"`
	ReadSeq        int64  `bson:"read_seq" json:"read_seq"`
	ReadTimeMS     int64  `bson:"read_time_ms" json:"read_time_ms"`
}

const (
	ReadFieldConversationID = "conversation_id"
	ReadFieldUserID         = "user_id"
	ReadFieldReadSeq        = "read_seq"
	ReadFieldReadTimeMS     = "read_time_ms"
)

func (ReadState) GetTableName() string { return "read_state" }
