package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const (
	DispatchStream = "corpusforge:dispatch"
	DispatchGroup  = "corpusforge-stage-workers"
)

// DispatchMessage asks a worker process to execute one stage of one run.
type DispatchMessage struct {
	RunID       uuid.UUID `json:"run_id"`
	StageNumber int       `json:"stage_number"`
	Trigger     string    `json:"trigger"` // "start", "resume", "auto_advance", "manual_advance", "retry", "skip"
}

// Dispatcher enqueues stage dispatch messages. Delivery is at-least-once;
// consumers tolerate duplicates because the state machine's stale checks drop
// messages that no longer match the run's state.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchMessage) (string, error)
}

// Producer enqueues dispatch messages to the Valkey stream.
type Producer struct {
	client valkey.Client
}

func NewProducer(client valkey.Client) *Producer {
	return &Producer{client: client}
}

func (p *Producer) Dispatch(ctx context.Context, msg DispatchMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	resp := p.client.Do(ctx, p.client.B().Xadd().
		Key(DispatchStream).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	id, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("parse xadd response: %w", err)
	}
	return id, nil
}

// Consumer reads dispatch messages from the Valkey stream.
type Consumer struct {
	client     valkey.Client
	consumerID string
	logger     *slog.Logger
}

func NewConsumer(client valkey.Client, consumerID string, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, consumerID: consumerID, logger: logger}
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	resp := c.client.Do(ctx, c.client.B().XgroupCreate().
		Key(DispatchStream).Group(DispatchGroup).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		// BUSYGROUP means group already exists — that's fine
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("xgroup create: %w", err)
		}
	}
	return nil
}

// Consume blocks until a message is available, processes it via handler, and
// ACKs. On startup, it first drains any pending messages from a previous
// crash so an interrupted stage execution is picked up again.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, DispatchMessage) error) error {
	c.drainPending(ctx, handler)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(DispatchGroup, c.consumerID).
			Count(1).Block(5000).
			Streams().Key(DispatchStream).Id(">").
			Build())

		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout is normal for BLOCK reads
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}

		for _, messages := range results {
			for _, msg := range messages {
				c.processMessage(ctx, msg, handler)
			}
		}
	}
}

// drainPending reads messages previously delivered to this consumer but not
// ACKed.
func (c *Consumer) drainPending(ctx context.Context, handler func(context.Context, DispatchMessage) error) {
	resp := c.client.Do(ctx, c.client.B().Xreadgroup().
		Group(DispatchGroup, c.consumerID).
		Count(10).
		Streams().Key(DispatchStream).Id("0").
		Build())

	if err := resp.Error(); err != nil {
		c.logger.Warn("drain pending failed", slog.String("error", err.Error()))
		return
	}

	results, err := resp.AsXRead()
	if err != nil {
		return
	}

	for _, messages := range results {
		for _, msg := range messages {
			c.logger.Info("recovering pending dispatch", slog.String("id", msg.ID))
			c.processMessage(ctx, msg, handler)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg valkey.XRangeEntry, handler func(context.Context, DispatchMessage) error) {
	dataStr, ok := msg.FieldValues["data"]
	if !ok {
		c.logger.Warn("dispatch missing data field", slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	var dispatch DispatchMessage
	if err := json.Unmarshal([]byte(dataStr), &dispatch); err != nil {
		c.logger.Error("unmarshal dispatch", slog.String("error", err.Error()), slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, dispatch); err != nil {
		c.logger.Error("handle dispatch", slog.String("error", err.Error()),
			slog.String("id", msg.ID),
			slog.String("run_id", dispatch.RunID.String()),
			slog.Int("stage_number", dispatch.StageNumber))
	} else {
		c.ack(ctx, msg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	resp := c.client.Do(ctx, c.client.B().Xack().
		Key(DispatchStream).Group(DispatchGroup).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		c.logger.Error("xack failed", slog.String("error", err.Error()), slog.String("id", msgID))
	}
}
