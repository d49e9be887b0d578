package broker

import (
	"context"
	"time"

	"github.com/Shopify/sarama"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/safe"
)

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	ProducerRetries int
	Version         sarama.KafkaVersion
}

// Kafka is the production broker channel. The producer hashes the message key
// (conversation id) to a partition, so all envelopes of one conversation land
// on one partition and are consumed in publish order.
type Kafka struct {
	cfg      KafkaConfig
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
}

func buildKafkaConfig(cfg KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.Version = cfg.Version
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = sarama.V2_1_0_0
	}

	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	retries := cfg.ProducerRetries
	if retries <= 0 {
		retries = 3
	}
	c.Producer.Retry.Max = retries
	c.Producer.Partitioner = sarama.NewHashPartitioner // key routes the partition

	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Return.Errors = true

	c.Net.DialTimeout = 10 * time.Second
	c.Net.ReadTimeout = 30 * time.Second
	c.Net.WriteTimeout = 30 * time.Second
	return c
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	client, err := sarama.NewClient(cfg.Brokers, buildKafkaConfig(cfg))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka consumer group")
	}
	return &Kafka{cfg: cfg, client: client, producer: producer, group: group}, nil
}

func (k *Kafka) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.cfg.Topic,
		Key:   sarama.StringEncoder(env.ConversationID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return errs.ErrPublishFailed.WrapMsg("kafka send", "topic", k.cfg.Topic, "err", err)
	}
	return nil
}

func (k *Kafka) Start(ctx context.Context, h Handler) error {
	handler := &groupHandler{h: h, retryDelay: 100 * time.Millisecond}
	safe.Go(func() {
		for err := range k.group.Errors() {
			logger.Errorf("[broker.kafka] consumer group error: %v", err)
		}
	})
	safe.Go(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			// Consume blocks through a whole session; rebalances return here
			if err := k.group.Consume(ctx, []string{k.cfg.Topic}, handler); err != nil {
				logger.Errorf("[broker.kafka] consume error: %v", err)
				time.Sleep(time.Second)
			}
		}
	})
	return nil
}

func (k *Kafka) Close() error {
	_ = k.group.Close()
	_ = k.producer.Close()
	return k.client.Close()
}

type groupHandler struct {
	h          Handler
	retryDelay time.Duration
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		env, err := DecodeEnvelope(msg.Value)
		if err != nil {
			// undecodable envelope can never succeed; log and move on
			logger.Errorf("[broker.kafka] drop undecodable envelope topic=%s offset=%d err=%v",
				msg.Topic, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}
		// the offset is only marked once the handler accepted the envelope;
		// StoreUnavailable therefore blocks the partition instead of losing data
		delay := g.retryDelay
		for {
			if err := g.h(session.Context(), env); err == nil {
				break
			} else {
				logger.Warnf("[broker.kafka] handler failed, retrying conv=%s offset=%d err=%v",
					env.ConversationID, msg.Offset, err)
			}
			select {
			case <-session.Context().Done():
				return nil
			case <-time.After(delay):
			}
			if delay < 5*time.Second {
				delay *= 2
			}
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
