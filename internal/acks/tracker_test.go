package acks

import (
	"testing"
)

// fakeMessage implements paho.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestRecordAckDeduplicatesAgents(t *testing.T) {
	tracker := NewTracker("exercise")
	tracker.RegisterBroadcast("b1", 3)

	tracker.RecordAck("b1", "alpha-1")
	tracker.RecordAck("b1", "alpha-1")
	tracker.RecordAck("b1", "alpha-2")

	count, recipients := tracker.AckStatus("b1")
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if recipients != 3 {
		t.Errorf("recipients = %d, want 3", recipients)
	}
}

func TestRecordAckIgnoresEmptyIdentifiers(t *testing.T) {
	tracker := NewTracker("exercise")

	tracker.RecordAck("", "alpha-1")
	tracker.RecordAck("b1", "")

	if count, _ := tracker.AckStatus("b1"); count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestAckStatusForUnknownBroadcast(t *testing.T) {
	tracker := NewTracker("exercise")
	count, recipients := tracker.AckStatus("never-registered")
	if count != 0 || recipients != 0 {
		t.Errorf("status = (%d, %d), want (0, 0)", count, recipients)
	}
}

func TestFreezeFlag(t *testing.T) {
	tracker := NewTracker("exercise")
	if tracker.IsFrozen() {
		t.Error("tracker starts frozen")
	}
	tracker.SetFrozen(true)
	if !tracker.IsFrozen() {
		t.Error("freeze flag not set")
	}
	tracker.SetFrozen(false)
	if tracker.IsFrozen() {
		t.Error("freeze flag not cleared")
	}
}

func TestPresenceRoster(t *testing.T) {
	tracker := NewTracker("exercise")
	if tracker.ParticipantCount() != 0 {
		t.Fatalf("participants = %d, want 0", tracker.ParticipantCount())
	}

	tracker.SetPresence("alpha-1", true)
	tracker.SetPresence("alpha-2", true)
	tracker.SetPresence("alpha-2", true)
	if tracker.ParticipantCount() != 2 {
		t.Errorf("participants = %d, want 2", tracker.ParticipantCount())
	}

	tracker.SetPresence("alpha-1", false)
	if tracker.ParticipantCount() != 1 {
		t.Errorf("participants = %d after leave, want 1", tracker.ParticipantCount())
	}
}

func TestPresenceMessageUpdatesRoster(t *testing.T) {
	tracker := NewTracker("exercise")

	tracker.handlePresenceMessage(nil, &fakeMessage{
		topic:   "exercise/presence/alpha-1",
		payload: []byte(`{"online":true}`),
	})
	tracker.handlePresenceMessage(nil, &fakeMessage{
		topic:   "exercise/presence/ignored",
		payload: []byte(`{"agent_id":"alpha-2","online":true}`),
	})
	if tracker.ParticipantCount() != 2 {
		t.Fatalf("participants = %d, want 2", tracker.ParticipantCount())
	}

	tracker.handlePresenceMessage(nil, &fakeMessage{
		topic:   "exercise/presence/alpha-1",
		payload: []byte(`{"online":false}`),
	})
	if tracker.ParticipantCount() != 1 {
		t.Errorf("participants = %d after offline, want 1", tracker.ParticipantCount())
	}
}

func TestRegisterBroadcastForAllParticipants(t *testing.T) {
	tracker := NewTracker("exercise")
	tracker.SetPresence("alpha-1", true)
	tracker.SetPresence("alpha-2", true)

	// No explicit recipients means the whole roster at send time.
	tracker.RegisterBroadcast("b1", 0)

	tracker.RecordAck("b1", "alpha-1")
	count, recipients := tracker.AckStatus("b1")
	if recipients != 2 {
		t.Fatalf("recipients = %d, want 2", recipients)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	// A later roster change does not move the expectation.
	tracker.SetPresence("alpha-3", true)
	tracker.RecordAck("b1", "alpha-2")
	count, recipients = tracker.AckStatus("b1")
	if recipients != 2 || count != 2 {
		t.Errorf("status = (%d, %d), want (2, 2)", count, recipients)
	}
}

func TestForgetDropsState(t *testing.T) {
	tracker := NewTracker("exercise")
	tracker.RegisterBroadcast("b1", 2)
	tracker.RecordAck("b1", "alpha-1")

	tracker.Forget("b1")

	count, recipients := tracker.AckStatus("b1")
	if count != 0 || recipients != 0 {
		t.Errorf("status after forget = (%d, %d), want (0, 0)", count, recipients)
	}
}

func TestHandleAckMessageFromTopic(t *testing.T) {
	tracker := NewTracker("exercise")
	tracker.RegisterBroadcast("b1", 1)

	tracker.handleAckMessage(nil, &fakeMessage{
		topic:   "exercise/ack/b1",
		payload: []byte(`{"agent_id":"alpha-1"}`),
	})

	if count, _ := tracker.AckStatus("b1"); count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestHandleAckMessagePayloadOverridesTopic(t *testing.T) {
	tracker := NewTracker("exercise")

	tracker.handleAckMessage(nil, &fakeMessage{
		topic:   "exercise/ack/from-topic",
		payload: []byte(`{"broadcast_id":"from-payload","agent_id":"alpha-1"}`),
	})

	if count, _ := tracker.AckStatus("from-payload"); count != 1 {
		t.Errorf("payload broadcast id not honored, count = %d", count)
	}
	if count, _ := tracker.AckStatus("from-topic"); count != 0 {
		t.Errorf("topic broadcast id used despite payload, count = %d", count)
	}
}

func TestHandleAckMessageMalformedPayload(t *testing.T) {
	tracker := NewTracker("exercise")

	tracker.handleAckMessage(nil, &fakeMessage{
		topic:   "exercise/ack/b1",
		payload: []byte(`not json`),
	})

	if count, _ := tracker.AckStatus("b1"); count != 0 {
		t.Errorf("malformed payload recorded an ack")
	}
}

func TestHandleFreezeMessage(t *testing.T) {
	tracker := NewTracker("exercise")

	tracker.handleFreezeMessage(nil, &fakeMessage{
		topic:   "exercise/freeze",
		payload: []byte(`{"frozen":true}`),
	})
	if !tracker.IsFrozen() {
		t.Error("freeze message not applied")
	}

	tracker.handleFreezeMessage(nil, &fakeMessage{
		topic:   "exercise/freeze",
		payload: []byte(`{"frozen":false}`),
	})
	if tracker.IsFrozen() {
		t.Error("unfreeze message not applied")
	}
}

func TestTopicSuffix(t *testing.T) {
	cases := map[string]string{
		"exercise/ack/b1": "b1",
		"b1":              "b1",
		"a/b/c/d":         "d",
	}
	for topic, want := range cases {
		if got := topicSuffix(topic); got != want {
			t.Errorf("topicSuffix(%q) = %q, want %q", topic, got, want)
		}
	}
}
