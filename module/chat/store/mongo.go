package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/ids"
)

const collSeqConv = "seq_conversation"

const (
	seqFieldConversationID = "conversation_id"
	seqFieldIssuedSeq      = "issued_seq"
	seqFieldMaxSeq         = "max_seq"
	seqFieldCreateTime     = "create_time"
	seqFieldUpdateTime     = "update_time"
)

// Mongo is the durable Store. Sequence numbers come from a per-conversation
// counter document advanced with an atomic $inc, so same-conversation appends
// serialize inside the database while different conversations stay parallel.
type Mongo struct {
	convColl *mongo.Collection
	msgColl  *mongo.Collection
	readColl *mongo.Collection
	seqColl  *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		convColl: db.Collection(model.Conversation{}.GetTableName()),
		msgColl:  db.Collection(model.Message{}.GetTableName()),
		readColl: db.Collection(model.ReadState{}.GetTableName()),
		seqColl:  db.Collection(collSeqConv),
	}
}

// EnsureIndexes creates the unique indexes Append relies on. Call once at
// startup.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.msgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: model.MsgFieldConversationID, Value: 1},
				{Key: model.MsgFieldSeq, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_seq"),
		},
		{
			Keys: bson.D{{Key: model.MsgFieldConversationID, Value: 1},
				{Key: model.MsgFieldClientMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_client_msg"),
		},
		{
			Keys:    bson.D{{Key: model.MsgFieldServerMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_server_msg"),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	_, err = s.readColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: model.ReadFieldConversationID, Value: 1},
			{Key: model.ReadFieldUserID, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv_user"),
	})
	if err != nil {
		return errs.WrapMsg(err, "create read_state index")
	}
	_, err = s.seqColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: seqFieldConversationID, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv"),
	})
	return errs.WrapMsg(err, "create seq_conversation index")
}

func (s *Mongo) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	cp := *conv
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now()
	}
	_, err := s.convColl.UpdateOne(ctx,
		bson.M{model.ConvFieldConversationID: cp.ConversationID},
		bson.M{"$setOnInsert": cp},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("create conversation", "err", err)
	}
	return nil
}

func (s *Mongo) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.convColl.FindOne(ctx, bson.M{model.ConvFieldConversationID: conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("get conversation", "err", err)
	}
	return &conv, nil
}

func (s *Mongo) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	n, err := s.convColl.CountDocuments(ctx, bson.M{
		model.ConvFieldConversationID: conversationID,
		model.ConvFieldParticipants:   userID,
	})
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("membership check", "err", err)
	}
	return n > 0, nil
}

// nextSeq atomically advances the conversation counter and returns the new
// value. The counter document is upserted on first use.
func (s *Mongo) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	now := time.Now()
	var out struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := s.seqColl.FindOneAndUpdate(ctx,
		bson.M{seqFieldConversationID: conversationID},
		bson.M{
			"$inc":         bson.M{seqFieldIssuedSeq: int64(1)},
			"$setOnInsert": bson.M{seqFieldMaxSeq: int64(0), seqFieldCreateTime: now},
			"$set":         bson.M{seqFieldUpdateTime: now},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.M{seqFieldIssuedSeq: 1}),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.IssuedSeq, nil
}

// bumpMaxSeq advances the committed watermark, never backwards.
func (s *Mongo) bumpMaxSeq(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.seqColl.UpdateOne(ctx,
		bson.M{seqFieldConversationID: conversationID},
		bson.M{"$max": bson.M{seqFieldMaxSeq: seq},
			"$set": bson.M{seqFieldUpdateTime: time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Mongo) findByClientMsgID(ctx context.Context, conversationID, clientMsgID string) (*model.Message, error) {
	var msg model.Message
	err := s.msgColl.FindOne(ctx, bson.M{
		model.MsgFieldConversationID: conversationID,
		model.MsgFieldClientMsgID:    clientMsgID,
	}).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Mongo) Append(ctx context.Context, conversationID, senderID, body, clientMsgID string) (*model.Message, error) {
	// idempotency fast path
	if clientMsgID != "" {
		if prev, err := s.findByClientMsgID(ctx, conversationID, clientMsgID); err == nil {
			return prev, nil
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrStoreUnavailable.WrapMsg("idempotency lookup", "err", err)
		}
	}

	seq, err := s.nextSeq(ctx, conversationID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("next seq", "conversation_id", conversationID, "err", err)
	}

	msg := &model.Message{
		ServerMsgID:    ids.GenerateString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		Seq:            seq,
		CreateTimeMS:   time.Now().UnixMilli(),
	}
	if _, err := s.msgColl.InsertOne(ctx, msg); err != nil {
		// a racing redelivery committed the same clientMsgID first
		if mongo.IsDuplicateKeyError(err) && clientMsgID != "" {
			if prev, ferr := s.findByClientMsgID(ctx, conversationID, clientMsgID); ferr == nil {
				return prev, nil
			}
		}
		return nil, errs.ErrStoreUnavailable.WrapMsg("insert message", "err", err)
	}
	if err := s.bumpMaxSeq(ctx, conversationID, seq); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("bump max seq", "err", err)
	}
	return msg, nil
}

func (s *Mongo) GetMessage(ctx context.Context, serverMsgID string) (*model.Message, error) {
	var msg model.Message
	err := s.msgColl.FindOne(ctx, bson.M{model.MsgFieldServerMsgID: serverMsgID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message", "server_msg_id", serverMsgID)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("get message", "err", err)
	}
	return &msg, nil
}

func (s *Mongo) GetRange(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error) {
	cur, err := s.msgColl.Find(ctx, bson.M{
		model.MsgFieldConversationID: conversationID,
		model.MsgFieldSeq:            bson.M{"$gte": fromSeq, "$lte": toSeq},
	}, options.Find().SetSort(bson.M{model.MsgFieldSeq: 1}))
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("range find", "err", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("range decode", "err", err)
		}
		out = append(out, &m)
	}
	return out, errs.Wrap(cur.Err())
}

func (s *Mongo) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var out struct {
		MaxSeq int64 `bson:"max_seq"`
	}
	err := s.seqColl.FindOne(ctx,
		bson.M{seqFieldConversationID: conversationID},
		options.FindOne().SetProjection(bson.M{seqFieldMaxSeq: 1}),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("max seq", "err", err)
	}
	return out.MaxSeq, nil
}

func (s *Mongo) UpdateReadState(ctx context.Context, conversationID, userID string, seq int64) error {
	// $max keeps the cursor monotonic; a stale seq is silently a no-op
	_, err := s.readColl.UpdateOne(ctx,
		bson.M{
			model.ReadFieldConversationID: conversationID,
			model.ReadFieldUserID:         userID,
		},
		bson.M{"$max": bson.M{
			model.ReadFieldReadSeq:    seq,
			model.ReadFieldReadTimeMS: time.Now().UnixMilli(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("update read state", "err", err)
	}
	return nil
}

func (s *Mongo) ReadSeq(ctx context.Context, conversationID, userID string) (int64, error) {
	var rs model.ReadState
	err := s.readColl.FindOne(ctx, bson.M{
		model.ReadFieldConversationID: conversationID,
		model.ReadFieldUserID:         userID,
	}).Decode(&rs)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("read seq", "err", err)
	}
	return rs.ReadSeq, nil
}
