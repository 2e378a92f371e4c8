// Package notify fans completed transfers out to connected clients.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/telemetry"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// EventBalanceUpdated is pushed to the sender of a completed transfer.
	EventBalanceUpdated = "balance:updated"
	// EventTransactionNew is pushed to the receiver of a completed transfer.
	EventTransactionNew = "transaction:new"
	// EventPong answers a client ping.
	EventPong = "pong"

	defaultQueueSize = 256
	defaultWorkers   = 2
	creditType       = "CREDIT"
)

var errInvalidDispatcherConfig = errors.New("invalid dispatcher config")

// Message is the envelope written to realtime clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// BalanceUpdated is the payload of EventBalanceUpdated.
type BalanceUpdated struct {
	NewBalance int64     `json:"newBalance"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransactionNew is the payload of EventTransactionNew.
type TransactionNew struct {
	Transaction IncomingTransaction `json:"transaction"`
	NewBalance  int64               `json:"newBalance"`
	Timestamp   time.Time           `json:"timestamp"`
}

// IncomingTransaction summarizes a credit for its receiver.
type IncomingTransaction struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

// Deliverer pushes a message to every connection of a user and reports how many were reached.
type Deliverer interface {
	Deliver(userID string, message Message) int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the zap logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// WithDispatcherMetrics records delivery outcomes.
func WithDispatcherMetrics(metrics *telemetry.Metrics) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.metrics = metrics
	}
}

// WithQueueSize bounds the number of pending events.
func WithQueueSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.queueSize = size
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(workers int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.workers = workers
	}
}

// Dispatcher implements transfer.NotificationSink. Publish never blocks; events that do not fit
// in the queue are dropped and logged.
type Dispatcher struct {
	deliverer Deliverer
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	queueSize int
	workers   int
	queue     chan transfer.TransferEvent
}

// NewDispatcher builds a Dispatcher. Call Run to start delivery.
func NewDispatcher(deliverer Deliverer, options ...DispatcherOption) (*Dispatcher, error) {
	if deliverer == nil {
		return nil, errors.Join(errInvalidDispatcherConfig, errors.New("deliverer is nil"))
	}
	dispatcher := &Dispatcher{
		deliverer: deliverer,
		logger:    zap.NewNop(),
		queueSize: defaultQueueSize,
		workers:   defaultWorkers,
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	if dispatcher.queueSize <= 0 || dispatcher.workers <= 0 {
		return nil, errors.Join(errInvalidDispatcherConfig, errors.New("queue size and workers must be positive"))
	}
	dispatcher.queue = make(chan transfer.TransferEvent, dispatcher.queueSize)
	return dispatcher, nil
}

// Publish implements transfer.NotificationSink. It never blocks.
func (dispatcher *Dispatcher) Publish(event transfer.TransferEvent) {
	select {
	case dispatcher.queue <- event:
	default:
		dispatcher.metrics.ObserveNotification(EventBalanceUpdated, telemetry.NotificationDropped)
		dispatcher.metrics.ObserveNotification(EventTransactionNew, telemetry.NotificationDropped)
		dispatcher.logger.Warn("notification queue full, event dropped",
			zap.String("transaction_id", event.TransactionID.String()),
			zap.String("sender_id", event.SenderID.String()),
			zap.String("receiver_id", event.ReceiverID.String()),
		)
	}
}

// Run delivers queued events until ctx is done, then flushes what is still queued.
func (dispatcher *Dispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < dispatcher.workers; worker++ {
		group.Go(func() error {
			dispatcher.work(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

func (dispatcher *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			dispatcher.drain()
			return
		case event := <-dispatcher.queue:
			dispatcher.deliver(event)
		}
	}
}

func (dispatcher *Dispatcher) drain() {
	for {
		select {
		case event := <-dispatcher.queue:
			dispatcher.deliver(event)
		default:
			return
		}
	}
}

func (dispatcher *Dispatcher) deliver(event transfer.TransferEvent) {
	timestamp := event.Timestamp.UTC()
	dispatcher.send(event.SenderID.String(), Message{
		Event: EventBalanceUpdated,
		Data: BalanceUpdated{
			NewBalance: event.SenderBalance.Int64(),
			Timestamp:  timestamp,
		},
	})
	dispatcher.send(event.ReceiverID.String(), Message{
		Event: EventTransactionNew,
		Data: TransactionNew{
			Transaction: IncomingTransaction{
				ID:       event.TransactionID.String(),
				Amount:   event.Amount.Int64(),
				Type:     creditType,
				SenderID: event.SenderID.String(),
			},
			NewBalance: event.ReceiverBalance.Int64(),
			Timestamp:  timestamp,
		},
	})
}

func (dispatcher *Dispatcher) send(userID string, message Message) {
	reached := dispatcher.deliverer.Deliver(userID, message)
	if reached > 0 {
		dispatcher.metrics.ObserveNotification(message.Event, telemetry.NotificationDelivered)
	}
	dispatcher.logger.Debug("notification delivered",
		zap.String("event", message.Event),
		zap.String("user_id", userID),
		zap.Int("connections", reached),
	)
}
