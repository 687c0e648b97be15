package consumer

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"

	"github.com/yamato-dev/linedesk/internal/pkg/line"
	"github.com/yamato-dev/linedesk/internal/pkg/redis"
	"github.com/yamato-dev/linedesk/internal/services"
)

type EventConsumer struct {
	ingestService *services.Ingest
	cache         *redis.Client
}

func NewEventConsumer(ingestService *services.Ingest, cache *redis.Client) *EventConsumer {
	return &EventConsumer{
		ingestService: ingestService,
		cache:         cache,
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (consumer *EventConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (consumer *EventConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (consumer *EventConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		log.Printf("消费事件: key = %s, timestamp = %v, topic = %s", string(message.Key), message.Timestamp, message.Topic)

		var ev line.Event
		if err := json.Unmarshal(message.Value, &ev); err != nil {
			log.Printf("反序列化事件失败: %v", err)
			session.MarkMessage(message, "")
			continue
		}

		// 调用 Service 保存消息。存储层按 event_id 去重，重复消费安全。
		if err := consumer.ingestService.HandleEvent(session.Context(), ev); err != nil {
			log.Printf("处理来自 Kafka 的事件失败: %v", err)
			// 先撤销去重标记再提交位点，webhook 重投才能重新走完整链路；
			// 不撤销的话重投会被入口去重当成重复直接丢掉
			if consumer.cache != nil && ev.WebhookEventID != "" {
				if delErr := consumer.cache.ClearEventSeen(session.Context(), ev.WebhookEventID); delErr != nil {
					log.Printf("撤销事件去重标记失败: %v", delErr)
				}
			}
			// 标记为已消费，避免死循环；补偿靠网关重投
			session.MarkMessage(message, "")
			continue
		}

		session.MarkMessage(message, "")
	}
	return nil
}

func StartConsumer(brokers []string, groupID string, topic string, consumer *EventConsumer) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	client, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		log.Fatalf("创建消费者组客户端失败: %v", err)
	}

	ctx := context.Background()
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, consumer); err != nil {
				log.Printf("消费者错误: %v", err)
			}
			// check if context was cancelled, signaling that the consumer should stop
			if ctx.Err() != nil {
				return
			}
		}
	}()
}
