// Package acks tracks broadcast acknowledgments and the exercise freeze flag.
package acks

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/logging"
)

const subscribeTimeout = 10 * time.Second

// ackPayload is the wire format agents publish on <prefix>/ack/<broadcastID>.
type ackPayload struct {
	BroadcastID string `json:"broadcast_id,omitempty"`
	AgentID     string `json:"agent_id"`
}

// freezePayload is the wire format on <prefix>/freeze.
type freezePayload struct {
	Frozen bool `json:"frozen"`
}

// presencePayload is the wire format agents publish on
// <prefix>/presence/<agentID> when they join or leave the exercise.
type presencePayload struct {
	AgentID string `json:"agent_id,omitempty"`
	Online  bool   `json:"online"`
}

// Tracker maintains acknowledgment counts per broadcast plus the global
// freeze flag, fed by MQTT subscriptions. It serves as the condition
// oracle for branch evaluation.
type Tracker struct {
	prefix string
	logger zerolog.Logger

	mu           sync.RWMutex
	acks         map[string]map[string]struct{} // broadcastID -> acked agent ids
	recipients   map[string]int                 // broadcastID -> expected recipient count
	participants map[string]struct{}            // agent ids currently online
	frozen       bool
}

// NewTracker creates a tracker for the given topic prefix.
func NewTracker(topicPrefix string) *Tracker {
	if topicPrefix == "" {
		topicPrefix = "exercise"
	}
	return &Tracker{
		prefix:       topicPrefix,
		logger:       logging.Component("acks"),
		acks:         make(map[string]map[string]struct{}),
		recipients:   make(map[string]int),
		participants: make(map[string]struct{}),
	}
}

// Subscribe attaches the tracker to a connected MQTT client.
func (t *Tracker) Subscribe(client paho.Client) error {
	ackTopic := fmt.Sprintf("%s/ack/+", t.prefix)
	token := client.Subscribe(ackTopic, 1, t.handleAckMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt subscribe timeout: %s", ackTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", ackTopic, err)
	}

	freezeTopic := fmt.Sprintf("%s/freeze", t.prefix)
	token = client.Subscribe(freezeTopic, 1, t.handleFreezeMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt subscribe timeout: %s", freezeTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", freezeTopic, err)
	}

	presenceTopic := fmt.Sprintf("%s/presence/+", t.prefix)
	token = client.Subscribe(presenceTopic, 1, t.handlePresenceMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt subscribe timeout: %s", presenceTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", presenceTopic, err)
	}

	t.logger.Info().
		Str("ack_topic", ackTopic).
		Str("freeze_topic", freezeTopic).
		Str("presence_topic", presenceTopic).
		Msg("ack tracker subscribed")
	return nil
}

func (t *Tracker) handleAckMessage(_ paho.Client, msg paho.Message) {
	broadcastID := topicSuffix(msg.Topic())

	var payload ackPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("malformed ack payload")
		return
	}
	if payload.BroadcastID != "" {
		broadcastID = payload.BroadcastID
	}

	t.RecordAck(broadcastID, payload.AgentID)
}

func (t *Tracker) handlePresenceMessage(_ paho.Client, msg paho.Message) {
	agentID := topicSuffix(msg.Topic())

	var payload presencePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("malformed presence payload")
		return
	}
	if payload.AgentID != "" {
		agentID = payload.AgentID
	}

	t.SetPresence(agentID, payload.Online)
}

func (t *Tracker) handleFreezeMessage(_ paho.Client, msg paho.Message) {
	var payload freezePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.logger.Warn().Err(err).Msg("malformed freeze payload")
		return
	}
	t.SetFrozen(payload.Frozen)
}

// SetPresence marks an agent online or offline, maintaining the roster
// used to resolve "all current participants" broadcasts.
func (t *Tracker) SetPresence(agentID string, online bool) {
	if agentID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.participants[agentID] = struct{}{}
	} else {
		delete(t.participants, agentID)
	}
}

// ParticipantCount returns how many agents are currently online.
func (t *Tracker) ParticipantCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.participants)
}

// RegisterBroadcast seeds the expected recipient count for a broadcast.
// Called by the step executor when an ack-requiring message goes out.
// A non-positive count means the step addressed all current
// participants; the roster size at send time becomes the expectation.
func (t *Tracker) RegisterBroadcast(broadcastID string, recipientCount int) {
	if broadcastID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if recipientCount <= 0 {
		recipientCount = len(t.participants)
	}
	t.recipients[broadcastID] = recipientCount
	if _, ok := t.acks[broadcastID]; !ok {
		t.acks[broadcastID] = make(map[string]struct{})
	}
}

// RecordAck registers one agent's acknowledgment of a broadcast.
// Duplicate acks from the same agent are counted once.
func (t *Tracker) RecordAck(broadcastID, agentID string) {
	if broadcastID == "" || agentID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.acks[broadcastID]; !ok {
		t.acks[broadcastID] = make(map[string]struct{})
	}
	t.acks[broadcastID][agentID] = struct{}{}
}

// AckStatus returns the acknowledgment count and expected recipient count.
func (t *Tracker) AckStatus(broadcastID string) (count, recipientCount int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.acks[broadcastID]), t.recipients[broadcastID]
}

// SetFrozen updates the global freeze flag.
func (t *Tracker) SetFrozen(frozen bool) {
	t.mu.Lock()
	t.frozen = frozen
	t.mu.Unlock()
	t.logger.Info().Bool("frozen", frozen).Msg("freeze flag changed")
}

// IsFrozen reports the global freeze flag.
func (t *Tracker) IsFrozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Forget drops tracking state for a broadcast once branches are settled.
func (t *Tracker) Forget(broadcastID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.acks, broadcastID)
	delete(t.recipients, broadcastID)
}

func topicSuffix(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return topic
	}
	return topic[idx+1:]
}
