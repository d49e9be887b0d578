package model

// Message is one persisted chat message. Seq is assigned by the store at
// persistence time and is strictly increasing within a conversation.
// ClientMsgID is the sender-side idempotency token: broker redelivery of the
// same envelope must resolve to the same stored message.
type Message struct {
	ServerMsgID    string `bson:"server_msg_id" json:"server_msg_id"`
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	SenderID       string `bson:"sender_id" json:"sender_id"`
	ClientMsgID    string `bson:"client_msg_id" json:"client_msg_id"`
	Body           string `bson:"body" json:"body"`
	Seq            int64  `bson:"seq" json:"seq"`
	CreateTimeMS   int64  `bson:"create_time_ms" json:"create_time_ms"`
}

const (
	MsgFieldServerMsgID    = "server_msg_id"
	MsgFieldConversationID = "conversation_id"
	MsgFieldSenderID       = "sender_id"
	MsgFieldClientMsgID    = "client_msg_id"
	MsgFieldBody           = "body"
	MsgFieldSeq            = "seq"
	MsgFieldCreateTimeMS   = "create_time_ms"
)

func (Message) GetTableName() string { return "message" }
