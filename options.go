package aitt

import (
	"log/slog"

	"github.com/google/uuid"
)

// config collects the options New accepts, following the teacher's
// functional-options pattern (`transport/mqtt`'s MQTTOption,
// `transport/grpc`'s Option).
type config struct {
	clientID string
	myIP     string

	brokerHost string
	brokerPort int
	user       string
	pass       string

	cleanSession bool
	secureTCP    bool

	logger *slog.Logger
}

// Option configures an AITT façade at construction time.
type Option func(*config)

// WithClientID sets the stable, per-process ClientID announced in
// discovery. If never set, New generates one with uuid.NewString().
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}

// WithMyIP sets the address announced in the TCP discovery blob, which
// must be routable from peers (spec §6).
func WithMyIP(ip string) Option {
	return func(c *config) { c.myIP = ip }
}

// WithBroker sets the MQTT broker this façade connects to.
func WithBroker(host string, port int) Option {
	return func(c *config) { c.brokerHost = host; c.brokerPort = port }
}

// WithCredentials sets the MQTT username/password used at connect time.
func WithCredentials(user, pass string) Option {
	return func(c *config) { c.user = user; c.pass = pass }
}

// WithCleanSession selects whether the MQTT session starts clean on every
// connect (spec §6's "clean_session" façade option).
func WithCleanSession(clean bool) Option {
	return func(c *config) { c.cleanSession = clean }
}

// WithSecureTCP enables the AES-CBC secure-TCP transport alongside plain
// TCP (spec §4.3's SECURE_TCP variant).
func WithSecureTCP(enabled bool) Option {
	return func(c *config) { c.secureTCP = enabled }
}

// WithLogger sets the *slog.Logger every component logs through. Falls
// back to a default stderr text handler if never set (spec §2's ambient
// logging stack).
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func newConfig(opts []Option) *config {
	c := &config{cleanSession: true}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	return c
}
