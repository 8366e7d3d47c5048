package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/tasks"
)

// fakeTopic is a single-partition topic: writes append, fetches read in
// order, commits are recorded.
type fakeTopic struct {
	mu        sync.Mutex
	msgs      chan kgo.Message
	committed []int64
	offset    int64
	writeErr  error
	closed    bool
}

func newFakeTopic() *fakeTopic {
	return &fakeTopic{msgs: make(chan kgo.Message, 64)}
}

func (f *fakeTopic) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, m := range msgs {
		m.Offset = f.offset
		f.offset++
		f.msgs <- m
	}
	return nil
}

func (f *fakeTopic) FetchMessage(ctx context.Context) (kgo.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kgo.Message{}, ctx.Err()
	}
}

func (f *fakeTopic) CommitMessages(ctx context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeTopic) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTopic) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func waitCommits(t *testing.T, f *fakeTopic, n int) []int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := f.commits(); len(c) >= n {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d commits, want %d", len(f.commits()), n)
	return nil
}

func TestKafkaDispatchAndConsume(t *testing.T) {
	topic := newFakeTopic()
	d := &KafkaDispatcher{writer: topic, timeout: time.Second}
	runner := newFakeRunner()
	c := newKafkaConsumer(topic, runner, nil)

	ctx := orchestrator.WithTrigger(context.Background(), TriggerPoll)
	for _, id := range []string{"t1", "t2"} {
		if err := d.Dispatch(ctx, id); err != nil {
			t.Fatalf("Dispatch(%s): %v", id, err)
		}
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	ids := runner.waitRuns(t, 2)
	if ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("run order = %v", ids)
	}
	commits := waitCommits(t, topic, 2)
	if commits[0] != 0 || commits[1] != 1 {
		t.Errorf("commits = %v", commits)
	}

	runner.mu.Lock()
	trigger := runner.calls[0].trigger
	runner.mu.Unlock()
	if trigger != TriggerPoll {
		t.Errorf("trigger = %q, want %q", trigger, TriggerPoll)
	}
}

func TestKafkaMessageKeyedByTask(t *testing.T) {
	topic := newFakeTopic()
	d := &KafkaDispatcher{writer: topic, timeout: time.Second}
	if err := d.Dispatch(context.Background(), "t9"); err != nil {
		t.Fatal(err)
	}
	m := <-topic.msgs
	if string(m.Key) != "t9" {
		t.Errorf("key = %q", m.Key)
	}
	rm, err := tasks.UnmarshalRunMessage(m.Value)
	if err != nil || rm.TaskID != "t9" {
		t.Fatalf("payload = %+v, %v", rm, err)
	}
}

func TestKafkaDispatchWriteError(t *testing.T) {
	topic := newFakeTopic()
	topic.writeErr = errors.New("leader not available")
	d := &KafkaDispatcher{writer: topic, timeout: time.Second}
	if err := d.Dispatch(context.Background(), "t1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestKafkaConsumerCommitsMalformed(t *testing.T) {
	topic := newFakeTopic()
	runner := newFakeRunner()
	c := newKafkaConsumer(topic, runner, nil)

	topic.WriteMessages(context.Background(),
		kgo.Message{Value: []byte("not json")},
		kgo.Message{Value: []byte(`{"trigger":"api"}`)},
	)
	d := &KafkaDispatcher{writer: topic, timeout: time.Second}
	d.Dispatch(context.Background(), "good")

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	if ids := runner.waitRuns(t, 1); ids[0] != "good" {
		t.Errorf("ran %v", ids)
	}
	if commits := waitCommits(t, topic, 3); len(commits) != 3 {
		t.Errorf("commits = %v", commits)
	}
}

func TestKafkaConsumerStop(t *testing.T) {
	topic := newFakeTopic()
	c := newKafkaConsumer(topic, newFakeRunner(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	topic.mu.Lock()
	closed := topic.closed
	topic.mu.Unlock()
	if !closed {
		t.Error("reader not closed")
	}
}

func TestKafkaConfig(t *testing.T) {
	if got := SplitBrokers(" a:9092, ,b:9092 "); len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("SplitBrokers = %v", got)
	}
	if err := (KafkaConfig{}).Validate(); err == nil {
		t.Error("empty broker list accepted")
	}
	cfg := KafkaConfig{Brokers: []string{"a:9092"}}
	cfg.withDefaults()
	if cfg.Topic != DefaultKafkaTopic || cfg.GroupID != DefaultKafkaGroup || cfg.Timeout != DefaultKafkaTimeout {
		t.Errorf("defaults = %+v", cfg)
	}
}
