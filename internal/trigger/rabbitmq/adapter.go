// Package rabbitmq runs subscription catch-ups when a request arrives on a RabbitMQ queue.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"contentrepo/internal/domain"
	"contentrepo/internal/subscription"

	"github.com/rabbitmq/amqp091-go"
)

type Runner interface {
	Run(context.Context, subscription.Criteria) error
	Boot(context.Context, subscription.Criteria) error
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	Logger        *slog.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

const (
	OperationRun  = "run"
	OperationBoot = "boot"
)

// Request is the delivery body. Empty ids and groups select every subscription.
//
//	{"operation":"run","groups":["projections"]}
type Request struct {
	Operation string                  `json:"operation,omitempty"`
	IDs       []domain.SubscriptionID `json:"ids,omitempty"`
	Groups    []string                `json:"groups,omitempty"`
}

func (r Request) criteria() subscription.Criteria {
	return subscription.Criteria{IDs: r.IDs, Groups: r.Groups}
}

type Adapter struct {
	cfg      Config
	engine   Runner
	logger   *slog.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, engine Runner) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "contentrepo-catchup"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		engine: engine,
		logger: logger.With("component", "rabbitmq-trigger"),
		closed: make(chan struct{}),
		ops:    make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

// processDelivery acks once the run committed, even if some subscribers failed: their errors are stored on the
// subscriptions and a redelivery would not change them.
func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	req, err := parseDelivery(d)
	if err != nil {
		a.logger.Warn("dropping catch-up request", "delivery_tag", d.DeliveryTag, "err", err)
		_ = d.Nack(false, false)
		return
	}
	err = a.run(ctx, req)
	var hadErrors *subscription.CatchUpHadErrors
	switch {
	case err == nil:
	case errors.As(err, &hadErrors):
		a.logger.Warn("catch-up had errors", "failed", hadErrors.FailedSubscriptions())
	case isRetryable(err):
		_ = d.Nack(false, true)
		return
	default:
		a.logger.Error("catch-up failed", "operation", req.Operation, "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (a *Adapter) run(ctx context.Context, req Request) error {
	if req.Operation == OperationBoot {
		return a.engine.Boot(ctx, req.criteria())
	}
	return a.engine.Run(ctx, req.criteria())
}

func parseDelivery(d amqp091.Delivery) (Request, error) {
	var req Request
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &req); err != nil {
			return Request{}, fmt.Errorf("unmarshal delivery body: %w", err)
		}
	}
	if req.Operation == "" {
		req.Operation = headerString(d.Headers, "operation")
	}
	switch req.Operation {
	case "":
		req.Operation = OperationRun
	case OperationRun, OperationBoot:
	default:
		return Request{}, fmt.Errorf("unknown operation %q", req.Operation)
	}
	if g := headerString(d.Headers, "group"); g != "" && len(req.Groups) == 0 {
		req.Groups = []string{g}
	}
	return req, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

type retryable interface{ Temporary() bool }

// isRetryable is true for overlapping runs and for transient infrastructure errors.
func isRetryable(err error) bool {
	if errors.Is(err, subscription.ErrAlreadyProcessing) {
		return true
	}
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
