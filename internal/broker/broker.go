// Package broker defines the named, durable, at-least-once queues the
// dispatcher publishes to and workers drain, plus the coordinator's control
// command envelope.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrClosed = errors.New("broker: closed")

// DefaultMaxDeliveries is how many times a message is handed out before a
// Nack dead-letters it.
const DefaultMaxDeliveries = 5

// DeadLetterQueue names the queue that receives messages dead-lettered from q.
func DeadLetterQueue(q string) string { return q + ".dead" }

// Broker is a set of named queues.
//
// Publish returns once the message is durably accepted. Receive blocks until a
// message is available, ctx is done, or the broker is closed (ErrClosed).
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Receive(ctx context.Context, queue string) (Delivery, error)
	Close() error
}

// Delivery is one handed-out message. Exactly one of Ack, Nack or DeadLetter
// should be called. Brokers that outlive the consumer redeliver an unsettled
// delivery once it has been pending too long; an in-process broker loses it
// together with the process.
type Delivery interface {
	Queue() string
	Body() []byte
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack requeues the message, or dead-letters it once the broker's
	// delivery limit is reached.
	Nack(ctx context.Context, reason string) error
	DeadLetter(ctx context.Context, reason string) error
}

// Control channel.
const (
	CommandQueue = "coordinator.commands"

	CommandRunCollector = "run_collector"
	CommandShutdown     = "shutdown"
	CommandSweep        = "sweep"
)

// Command is the control envelope: {"command": "...", "data": {...}}.
type Command struct {
	Name string          `json:"command"`
	Data json.RawMessage `json:"data,omitempty"`
}

var ErrInvalidCommand = errors.New("broker: invalid command")

func EncodeCommand(c Command) ([]byte, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	return json.Marshal(c)
}

func DecodeCommand(body []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(body, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Command{}, fmt.Errorf("%w: missing command", ErrInvalidCommand)
	}
	return c, nil
}

// SendCommand publishes a control command without data.
func SendCommand(ctx context.Context, b Broker, name string) error {
	body, err := EncodeCommand(Command{Name: name})
	if err != nil {
		return err
	}
	return b.Publish(ctx, CommandQueue, body)
}
