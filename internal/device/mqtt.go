package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/metrics"
	"github.com/example/print-agent/internal/model"
)

// Requests are published at-least-once; reports are consumed at-most-once.
const (
	qosRequest byte = 1
	qosReport  byte = 0
)

var errAckTimeout = errors.New("timed out waiting for acknowledgment")

type pubsub interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topic string)
	Disconnect()
}

type mqttDialer func(ctx context.Context, addr string, d config.Device, clientID string, onLost func(error)) (pubsub, error)

// SendCommand publishes cmd on the request topic and waits for the local
// publish acknowledgment, bounded by the configured publish timeout. The
// acknowledgment only confirms handoff to the broker, not that the printer
// acted on the command. The session is closed before returning.
func (c *Client) SendCommand(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	session, err := c.dialMQTT(ctx, c.mqttAddr(), c.device, clientID("cmd"), nil)
	if err != nil {
		return transportErr(ctx, "mqtt connect", err)
	}
	defer session.Disconnect()

	if err := session.Publish(ctx, c.RequestTopic(), qosRequest, payload); err != nil {
		return transportErr(ctx, "mqtt publish", err)
	}
	slog.Info("Print command sent", "topic", c.RequestTopic(), "url", cmd.Print.URL, "sequence_id", cmd.SequenceID)
	return nil
}

// ReportStream is a live, non-restartable feed of device reports.
type ReportStream interface {
	Reports() <-chan Report
	Err() error
	Close()
}

// WatchReports opens a dedicated session subscribed to the report topic. It
// is independent of SendCommand and stays open until Close.
func (c *Client) WatchReports(ctx context.Context) (ReportStream, error) {
	sub := &Subscription{
		topic:   c.ReportTopic(),
		reports: make(chan Report, 1),
	}

	session, err := c.dialMQTT(ctx, c.mqttAddr(), c.device, clientID("watch"), sub.fail)
	if err != nil {
		return nil, transportErr(ctx, "mqtt connect", err)
	}
	sub.session = session

	if err := session.Subscribe(ctx, sub.topic, qosReport, sub.handle); err != nil {
		session.Disconnect()
		return nil, transportErr(ctx, "mqtt subscribe", err)
	}

	if err := session.Publish(ctx, c.RequestTopic(), qosReport, pushAll); err != nil {
		slog.Debug("Snapshot request failed, waiting for periodic reports", "error", err)
	}
	slog.Debug("Subscribed to device reports", "topic", sub.topic)
	return sub, nil
}

// Subscription delivers device reports. Reports only ever supersede one
// another, so a slow reader sees the latest snapshot rather than a backlog;
// the network callback never blocks on the reader.
type Subscription struct {
	session pubsub
	topic   string
	reports chan Report

	teardown sync.Once

	mu       sync.Mutex
	last     Report
	closed   bool
	terminal bool
	err      error

	// A device keeps reporting the end state of its previous print until
	// the new one is picked up, so that state is held back until the device
	// has been seen working or has moved to a different end state.
	seen     bool
	started  bool
	leftover string
}

// Reports is closed after Close or when the session is lost.
func (s *Subscription) Reports() <-chan Report { return s.reports }

// Err returns the connection error that ended the stream, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and disconnects. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.reports)
	}
	s.mu.Unlock()

	s.teardown.Do(func() {
		if s.session != nil {
			s.session.Unsubscribe(s.topic)
			s.session.Disconnect()
		}
	})
}

func (s *Subscription) handle(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return
	}
	report, ok := ParseReport(payload, s.last)
	if !ok {
		return
	}
	s.last = report
	metrics.DeviceReports.WithLabelValues(report.State).Inc()
	if report.InProgress() {
		s.started = true
	}
	if !s.seen {
		s.seen = true
		if report.Terminal() {
			s.leftover = report.State
		}
	}
	if report.Terminal() && !s.started && report.State == s.leftover {
		slog.Debug("Ignoring end state left over from a previous print", "state", report.State)
		return
	}
	s.terminal = report.Terminal()

	for {
		select {
		case s.reports <- report:
			return
		default:
		}
		select {
		case <-s.reports:
		default:
		}
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	slog.Warn("Device report session lost", "topic", s.topic, "error", err)
	s.err = &model.TransportError{Op: "mqtt connection", Err: err}
	s.closed = true
	close(s.reports)
}

// pahoSession adapts a paho client to pubsub.
type pahoSession struct {
	client  mqtt.Client
	timeout time.Duration
}

func dialPaho(ctx context.Context, addr string, d config.Device, clientID string, onLost func(error)) (pubsub, error) {
	opts := mqtt.NewClientOptions().
		AddBroker("ssl://" + addr).
		SetClientID(clientID).
		SetUsername(d.Username).
		SetPassword(d.AccessCode).
		SetTLSConfig(insecureTLS(d.Host)).
		SetConnectTimeout(d.ConnectTimeout).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false)
	if onLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), d.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	return &pahoSession{client: client, timeout: d.PublishTimeout}, nil
}

func (p *pahoSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, p.client.Publish(topic, qos, false, payload), p.timeout)
}

func (p *pahoSession) Subscribe(ctx context.Context, topic string, qos byte, handler func([]byte)) error {
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	return waitToken(ctx, token, p.timeout)
}

func (p *pahoSession) Unsubscribe(topic string) {
	if p.client.IsConnectionOpen() {
		p.client.Unsubscribe(topic).WaitTimeout(p.timeout)
	}
}

func (p *pahoSession) Disconnect() {
	p.client.Disconnect(250)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errAckTimeout
	}
}
