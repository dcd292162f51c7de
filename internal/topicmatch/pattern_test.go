package topicmatch

import "testing"

func TestPatternMatchMirrorsWildcardRules(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"room/1/state", "room/1/state", true},
		{"room/+/state", "room/1/state", true},
		{"room/+/state", "room/1/2/state", false},
		{"room/#", "room/1/state", true},
		{"room/#", "room", true},
		{"room/1/state", "room/2/state", false},
	}
	for _, c := range cases {
		p := Compile(c.pattern)
		if got := p.Match(c.topic); got != c.want {
			t.Errorf("Compile(%q).Match(%q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestPatternStringReturnsOriginal(t *testing.T) {
	p := Compile("room/+/state")
	if p.String() != "room/+/state" {
		t.Errorf("String() = %q, want room/+/state", p.String())
	}
}

func TestPatternReusableAcrossManyTopics(t *testing.T) {
	p := Compile("sensor/+/temperature")
	topics := []string{"sensor/1/temperature", "sensor/2/temperature", "sensor/1/humidity"}
	want := []bool{true, true, false}
	for i, topic := range topics {
		if got := p.Match(topic); got != want[i] {
			t.Errorf("Match(%q) = %v, want %v", topic, got, want[i])
		}
	}
}
