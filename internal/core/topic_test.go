package core

import "testing"

func TestValidatePublishTopicRejectsWildcardsAndEmpty(t *testing.T) {
	cases := []string{"", "room/+/state", "room/#"}
	for _, topic := range cases {
		if err := ValidatePublishTopic(topic); err == nil {
			t.Errorf("ValidatePublishTopic(%q) = nil, want an error", topic)
		}
	}
	if err := ValidatePublishTopic("room/1/state"); err != nil {
		t.Errorf("ValidatePublishTopic(concrete topic) = %v, want nil", err)
	}
}

func TestValidatePublishTopicRejectsOverlongTopic(t *testing.T) {
	long := make([]byte, MaxTopicLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidatePublishTopic(string(long)); err == nil {
		t.Error("expected an error for a topic past MaxTopicLen")
	}
}

func TestValidateSubscribePatternAllowsWildcards(t *testing.T) {
	ok := []string{"room/+/state", "room/#", "room/+/+/x", "room/1/state"}
	for _, p := range ok {
		if err := ValidateSubscribePattern(p); err != nil {
			t.Errorf("ValidateSubscribePattern(%q) = %v, want nil", p, err)
		}
	}
}

func TestValidateSubscribePatternRejectsNonTerminalHash(t *testing.T) {
	bad := []string{"room/#/state", "room/a#", "room/#a"}
	for _, p := range bad {
		if err := ValidateSubscribePattern(p); err == nil {
			t.Errorf("ValidateSubscribePattern(%q) = nil, want an error", p)
		}
	}
}

func TestValidateSubscribePatternRejectsPartialPlus(t *testing.T) {
	bad := []string{"room/a+", "room/+a"}
	for _, p := range bad {
		if err := ValidateSubscribePattern(p); err == nil {
			t.Errorf("ValidateSubscribePattern(%q) = nil, want an error", p)
		}
	}
}

func TestValidatePayloadBoundary(t *testing.T) {
	if err := ValidatePayload(make([]byte, MaxPayloadLen)); err != nil {
		t.Errorf("payload at MaxPayloadLen should be accepted, got %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadLen+1)); err == nil {
		t.Error("payload one byte over MaxPayloadLen should be rejected")
	}
}

func TestHasWildcard(t *testing.T) {
	if !HasWildcard("room/+/state") || !HasWildcard("room/#") {
		t.Error("expected + and # to be detected as wildcards")
	}
	if HasWildcard("room/1/state") {
		t.Error("concrete topic should not report a wildcard")
	}
}

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"room/1/state", "room/1/state", true},
		{"room/+/state", "room/1/state", true},
		{"room/+/state", "room/1/2/state", false},
		{"room/#", "room/1/state", true},
		{"room/#", "room", true},
		{"room/1/#", "room/1", true},
		{"room/1/state", "room/2/state", false},
		{"+/1/state", "room/1/state", true},
	}
	for _, c := range cases {
		if got := TopicMatch(c.pattern, c.topic); got != c.want {
			t.Errorf("TopicMatch(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}
