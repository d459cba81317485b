package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher 把会话事件异步写入 Kafka。
// 会话只入队；队列满了直接丢弃并计数，不阻塞调用方。
// 每个 worker 有自己的队列，事件按 sessionId 哈希到固定 worker，重试期间同一会话的后续事件排在后面；
// 消息 key 也是 sessionId，同一会话落在同一分区。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queues   []chan DocOpEvent
	// sem 限制同时在途的 SendMessage
	sem *SemaphoreControl
	opt KafkaDispatcherOptions

	dropped atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type KafkaDispatcherOptions struct {
	// QueueSize 所有 worker 队列的总容量
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = 2 * time.Second
	}
}

// backoff 第 attempt 次失败后的等待时间，指数增长，封顶 MaxBackoff
func (o KafkaDispatcherOptions) backoff(attempt int) time.Duration {
	d := o.BaseBackoff << attempt
	if d <= 0 || d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

var _ EventSink = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.setDefaults()
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queues:   make([]chan DocOpEvent, opt.Workers),
		sem:      sem,
		opt:      opt,
	}
	size := max(opt.QueueSize/opt.Workers, 1)
	for i := range d.queues {
		d.queues[i] = make(chan DocOpEvent, size)
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// queueFor 同一 sessionId 总是落到同一个 worker
func (d *KafkaDispatcher) queueFor(sessionID string) chan DocOpEvent {
	if len(d.queues) == 1 {
		return d.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Enqueue 队列满时等待，直到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrSessionClosed
	}
	select {
	case d.queueFor(evt.SessionID) <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue 不等待，队列满或已关闭时返回 false
func (d *KafkaDispatcher) TryEnqueue(evt DocOpEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queueFor(evt.SessionID) <- evt:
		return true
	default:
		n := d.dropped.Add(1)
		log.Printf("kafka queue full, drop event session=%s type=%s rev=%d dropped=%d", evt.SessionID, evt.EventType, evt.Revision, n)
		return false
	}
}

// Dropped 因队列满或重试耗尽而丢弃的事件数
func (d *KafkaDispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close 停止接收新事件，等 worker 把队列里剩下的发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) worker(id int) {
	defer d.wg.Done()
	for evt := range d.queues[id] {
		if err := d.deliver(evt); err != nil {
			n := d.dropped.Add(1)
			log.Printf("kafka send failed, drop event session=%s type=%s rev=%d worker=%d dropped=%d: %v",
				evt.SessionID, evt.EventType, evt.Revision, id, n, err)
		}
	}
}

// deliver 最多尝试 MaxRetry+1 次
func (d *KafkaDispatcher) deliver(evt DocOpEvent) error {
	msg, err := d.message(evt)
	if err != nil || msg == nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		if err = d.send(msg); err == nil {
			return nil
		}
		if attempt >= d.opt.MaxRetry {
			return err
		}
		time.Sleep(d.opt.backoff(attempt))
	}
}

func (d *KafkaDispatcher) send(msg *sarama.ProducerMessage) error {
	if d.sem != nil {
		// worker 可以一直等，不影响会话
		_ = d.sem.Acquire(context.Background())
		defer d.sem.Release()
	}
	_, _, err := d.producer.SendMessage(msg)
	return err
}

// message 没有配置 producer 或 topic 时返回 nil
func (d *KafkaDispatcher) message(evt DocOpEvent) (*sarama.ProducerMessage, error) {
	if d.producer == nil || d.topic == "" {
		return nil, nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(evt.EventType)},
		},
	}, nil
}
