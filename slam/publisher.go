package slam

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/tudoslam/extend"
)

// ResultSummary is the retained per-sequence message published after a run.
type ResultSummary struct {
	SequenceID  string       `json:"sequenceId"`
	State       extend.State `json:"state"`
	Motion      CameraMotion `json:"motion"`
	ValidPoses  int          `json:"validPoses"`
	Landmarks   int          `json:"landmarks"`
	Removed     int          `json:"removed"`
	Partial     bool         `json:"partial"`
	FocalLength float64      `json:"focalLength"`
	ATE         float64      `json:"ate,omitempty"`
	Error       string       `json:"error,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Summarize condenses a sequence result for publishing.
func Summarize(r *SequenceResult) ResultSummary {
	return ResultSummary{
		SequenceID:  r.SequenceID,
		State:       r.Track.State,
		Motion:      r.Track.Motion,
		ValidPoses:  r.Track.ValidPoses,
		Landmarks:   r.Track.Landmarks,
		Removed:     len(r.Track.Removed),
		Partial:     r.Track.Partial,
		FocalLength: r.Track.Camera.FocalLength,
		ATE:         r.ATE,
		Error:       r.Error,
		Timestamp:   time.Now().Unix(),
	}
}

// Publisher publishes round reports and run summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	summaries     map[string]ResultSummary
	mu            sync.RWMutex
}

// NewPublisher creates a publisher using prefix for all topics.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		summaries:     make(map[string]ResultSummary),
	}
}

// RoundTopic is where the round reports of a sequence are published.
func (p *Publisher) RoundTopic(sequenceID string) string {
	return fmt.Sprintf("%s/%s/round", p.publishPrefix, sequenceID)
}

// ResultTopic is where the retained summary of a sequence is published.
func (p *Publisher) ResultTopic(sequenceID string) string {
	return fmt.Sprintf("%s/%s/result", p.publishPrefix, sequenceID)
}

// PublishRound publishes one controller round report. Round reports are not retained.
func (p *Publisher) PublishRound(sequenceID string, report extend.RoundReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	return p.publish(p.RoundTopic(sequenceID), false, report)
}

// PublishResult publishes the retained summary of a finished run and remembers it.
func (p *Publisher) PublishResult(summary ResultSummary) error {
	p.mu.Lock()
	p.summaries[summary.SequenceID] = summary
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if err := p.publish(p.ResultTopic(summary.SequenceID), true, summary); err != nil {
		log.Printf("[MQTT] error publishing result for %s: %v", summary.SequenceID, err)
		return err
	}

	log.Printf("[MQTT] published result for %s: state=%s landmarks=%d poses=%d",
		summary.SequenceID, summary.State, summary.Landmarks, summary.ValidPoses)
	return nil
}

// RoundObserver returns a tracker round observer publishing to sequenceID.
// Publish failures are logged and otherwise ignored.
func (p *Publisher) RoundObserver(sequenceID string) func(extend.RoundReport) {
	return func(report extend.RoundReport) {
		if p.client == nil || !p.client.IsConnected() {
			return
		}
		if err := p.PublishRound(sequenceID, report); err != nil {
			log.Printf("[MQTT] error publishing round %d for %s: %v", report.Round, sequenceID, err)
		}
	}
}

func (p *Publisher) publish(topic string, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetSummary returns the last published summary of a sequence.
func (p *Publisher) GetSummary(sequenceID string) (ResultSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.summaries[sequenceID]
	return s, ok
}

// GetAllSummaries returns a copy of all remembered summaries.
func (p *Publisher) GetAllSummaries() map[string]ResultSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ResultSummary, len(p.summaries))
	for id, s := range p.summaries {
		out[id] = s
	}
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}
