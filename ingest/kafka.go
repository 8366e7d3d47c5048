package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/tasks"
	"github.com/vinayprograms/replykit/telemetry"
)

// KafkaConfig selects the topic run requests travel on.
type KafkaConfig struct {
	Brokers []string      `toml:"brokers"`
	Topic   string        `toml:"topic"`
	GroupID string        `toml:"group_id"`
	Timeout time.Duration `toml:"write_timeout"`
}

// Default Kafka settings.
const (
	DefaultKafkaTopic   = "replykit.tasks.run"
	DefaultKafkaGroup   = "replykit-orchestrators"
	DefaultKafkaTimeout = 3 * time.Second
	kafkaCommitTimeout  = 3 * time.Second
)

func (c *KafkaConfig) withDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultKafkaTopic
	}
	if c.GroupID == "" {
		c.GroupID = DefaultKafkaGroup
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultKafkaTimeout
	}
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("kafka: empty broker address")
		}
	}
	return nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaDispatcher publishes run requests to a Kafka topic, keyed by task
// id so requests for one task stay on one partition.
type KafkaDispatcher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewKafkaDispatcher(cfg KafkaConfig) (*KafkaDispatcher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaDispatcher{writer: w, timeout: cfg.Timeout}, nil
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, taskID string) error {
	rm := tasks.NewRunMessage(taskID, "", orchestrator.TriggerFrom(ctx))
	data, err := rm.Marshal()
	if err != nil {
		return fmt.Errorf("marshal run message: %w", err)
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	headers := make([]kgo.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kgo.Header{Key: k, Value: []byte(v)})
	}

	wctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = d.writer.WriteMessages(wctx, kgo.Message{
		Key:     []byte(taskID),
		Value:   data,
		Headers: headers,
		Time:    rm.CreatedAt,
	})
	if err != nil {
		return rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "publish run request")
	}
	return nil
}

func (d *KafkaDispatcher) Close() error { return d.writer.Close() }

// KafkaConsumer reads run requests from the consumer group and runs them
// one at a time. An offset is committed only after its run returns, so a
// crash mid-run redelivers the request.
type KafkaConsumer struct {
	reader kafkaReader
	runner Runner
	logger *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaConsumer(cfg KafkaConfig, runner Runner, logger *logging.Logger) (*KafkaConsumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newKafkaConsumer(r, runner, logger), nil
}

func newKafkaConsumer(r kafkaReader, runner Runner, logger *logging.Logger) *KafkaConsumer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &KafkaConsumer{reader: r, runner: runner, logger: logger.WithComponent("kafka")}
}

// Start consumes in the background until Stop or ctx ends.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("kafka consumer already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
	return nil
}

func (c *KafkaConsumer) loop(ctx context.Context) {
	defer close(c.done)
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("kafka_fetch_error", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, m kgo.Message) {
	rm, err := tasks.UnmarshalRunMessage(m.Value)
	if err != nil {
		c.logger.Warn("bad_run_message", map[string]interface{}{
			"partition": m.Partition,
			"offset":    m.Offset,
			"error":     err.Error(),
		})
		c.commit(ctx, m)
		return
	}

	carrier := telemetry.MapCarrier{}
	for _, h := range m.Headers {
		carrier[h.Key] = string(h.Value)
	}
	runCtx := telemetry.ExtractContext(ctx, carrier)
	if rm.Trigger != "" {
		runCtx = orchestrator.WithTrigger(runCtx, rm.Trigger)
	}

	outcome, err := c.runner.Run(runCtx, rm.TaskID)
	if err != nil {
		c.logger.Error("run_error", map[string]interface{}{"task_id": rm.TaskID, "error": err.Error()})
		if ctx.Err() != nil {
			// Left uncommitted for redelivery.
			return
		}
	} else {
		c.logger.Debug("run_done", map[string]interface{}{"task_id": rm.TaskID, "outcome": string(outcome)})
	}
	c.commit(ctx, m)
}

func (c *KafkaConsumer) commit(ctx context.Context, m kgo.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kafkaCommitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		c.logger.Warn("kafka_commit_error", map[string]interface{}{
			"partition": m.Partition,
			"offset":    m.Offset,
			"error":     err.Error(),
		})
	}
}

// Stop cancels the loop and any run in progress, waits for it up to ctx,
// then closes the reader.
func (c *KafkaConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return c.reader.Close()
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.reader.Close()
}
