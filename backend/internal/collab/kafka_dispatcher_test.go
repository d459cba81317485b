package collab

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcher_RetriesThenDelivers(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.SessionID != "s1" || evt.EventType != EventTypeOpApplied || evt.Revision != 7 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "doc-ops", NewSemaphoreControl(2), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	if !d.TryEnqueue(DocOpEvent{EventType: EventTypeOpApplied, SessionID: "s1", Revision: 7}) {
		t.Fatalf("TryEnqueue returned false")
	}
	d.Close()

	if err := sp.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
	if d.TryEnqueue(DocOpEvent{SessionID: "s1"}) {
		t.Fatalf("TryEnqueue after Close should fail")
	}
}

func TestKafkaDispatcher_TryEnqueueDropsWhenFull(t *testing.T) {
	// 不启动 worker，队列只能放一个
	d := &KafkaDispatcher{queues: []chan DocOpEvent{make(chan DocOpEvent, 1)}}
	if !d.TryEnqueue(DocOpEvent{SessionID: "a"}) {
		t.Fatalf("first enqueue should succeed")
	}
	if d.TryEnqueue(DocOpEvent{SessionID: "b"}) {
		t.Fatalf("second enqueue should be dropped")
	}
	if d.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", d.Dropped())
	}
}

func TestKafkaDispatcher_GivesUpAfterMaxRetry(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(sp, "doc-ops", nil, KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	d.TryEnqueue(DocOpEvent{EventType: EventTypeSessionClosed, SessionID: "s1"})
	d.Close()

	if err := sp.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
	if d.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", d.Dropped())
	}
}

func TestKafkaDispatcherOptions_Backoff(t *testing.T) {
	o := KafkaDispatcherOptions{BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
	o.setDefaults()
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := o.backoff(attempt); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
	if got := o.backoff(80); got != time.Second {
		t.Fatalf("backoff overflow = %s", got)
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Release(); err != ErrNotAcquired {
		t.Fatalf("Release on empty = %v", err)
	}
	if err := s.Acquire(t.Context()); err != nil {
		t.Fatal(err)
	}
	if s.InUse() != 1 {
		t.Fatalf("InUse = %d", s.InUse())
	}
}

func TestKafkaDispatcher_KeepsSessionOrderAcrossWorkers(t *testing.T) {
	const sessions, perSession = 6, 20
	var (
		mu   sync.Mutex
		seen = map[string][]uint64{}
	)
	record := func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		mu.Lock()
		seen[evt.SessionID] = append(seen[evt.SessionID], evt.Revision)
		mu.Unlock()
		return nil
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	// 中间插两次失败，失败的那条会重试
	for i := 0; i < sessions*perSession+2; i++ {
		if i == 3 || i == 40 {
			sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
			continue
		}
		sp.ExpectSendMessageWithCheckerFunctionAndSucceed(record)
	}

	d := NewKafkaDispatcher(sp, "doc-ops", NewSemaphoreControl(4), KafkaDispatcherOptions{
		QueueSize:   sessions * perSession * 4,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	for rev := 1; rev <= perSession; rev++ {
		for s := 0; s < sessions; s++ {
			if !d.TryEnqueue(DocOpEvent{EventType: EventTypeOpApplied, SessionID: fmt.Sprintf("s%d", s), Revision: uint64(rev)}) {
				t.Fatalf("TryEnqueue returned false")
			}
		}
	}
	d.Close()

	if err := sp.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
	if d.Dropped() != 0 {
		t.Fatalf("Dropped = %d, want 0", d.Dropped())
	}
	for id, revs := range seen {
		if len(revs) != perSession {
			t.Fatalf("session %s delivered %d events, want %d", id, len(revs), perSession)
		}
		for i, rev := range revs {
			if rev != uint64(i+1) {
				t.Fatalf("session %s order = %v", id, revs)
			}
		}
	}
}
