package fusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("MQTT client not connected")

// Publisher sends per-frame status, log lines, events and tracker
// requests to MQTT under a common prefix:
//
//	<prefix>/status   retained JSON FrameReport
//	<prefix>/log      one LogRecord line per frame
//	<prefix>/events   human readable status messages
//	<prefix>/tracker  JSON TrackerRequest for the upstream tracker
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	logger        *zap.SugaredLogger

	mu       sync.Mutex
	failures int
	last     *FrameReport
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		logger:        orNop(logger),
	}
}

// Topic returns the full topic for a suffix.
func (p *Publisher) Topic(suffix string) string {
	return p.publishPrefix + "/" + suffix
}

func (p *Publisher) publish(suffix string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	topic := p.Topic(suffix)
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishReport publishes the retained status and the log line of a frame.
func (p *Publisher) PublishReport(rep FrameReport, rec LogRecord) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshaling frame report: %w", err)
	}
	p.mu.Lock()
	p.last = &rep
	p.mu.Unlock()

	if err := p.publish("status", true, payload); err != nil {
		return err
	}
	return p.publish("log", false, []byte(rec.String()))
}

// PublishEvent publishes one status message.
func (p *Publisher) PublishEvent(msg string) error {
	return p.publish("events", false, []byte(msg))
}

// PublishTrackerRequest forwards a request to the upstream tracker.
func (p *Publisher) PublishTrackerRequest(r TrackerRequest) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling tracker request: %w", err)
	}
	return p.publish("tracker", false, payload)
}

// FrameProcessed implements FrameSink.
func (p *Publisher) FrameProcessed(rep FrameReport, rec LogRecord) {
	p.logFailure(p.PublishReport(rep, rec))
}

// Event implements EventSink.
func (p *Publisher) Event(msg string) {
	p.logFailure(p.PublishEvent(msg))
}

// TrackerRequest publishes r, logging failures. It fits ReportFactory.Notify.
func (p *Publisher) TrackerRequest(r TrackerRequest) {
	p.logFailure(p.PublishTrackerRequest(r))
}

// logFailure keeps a disconnected broker from flooding the log: the first
// failure and then every hundredth is reported.
func (p *Publisher) logFailure(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.failures++
	n := p.failures
	p.mu.Unlock()
	if n%100 == 1 {
		p.logger.Warnf("[MQTT] publish failed (%d so far): %v", n, err)
	}
}

// Failures counts failed publishes.
func (p *Publisher) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// LastReport returns the most recent report handed to the publisher.
func (p *Publisher) LastReport() (FrameReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return FrameReport{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}
