package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/listing-overlay/internal/core/config"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	// FromOldest replays the retained topic on first join. Off by default:
	// the page cache is rebuilt lazily, so history is rarely worth the replay.
	FromOldest bool
}

// FromConfig normalises the service config and fills consumer group timings.
func FromConfig(c config.InvalidationCfg) InvalidationConfig {
	driver := Driver(strings.ToLower(strings.TrimSpace(c.Driver)))
	if driver == "" {
		driver = DriverNone
	}
	return InvalidationConfig{
		Enabled:          c.Enabled,
		Driver:           driver,
		Brokers:          brokerList(c.Brokers),
		Topic:            orDefault(c.Topic, "listing-invalidation"),
		GroupID:          orDefault(c.GroupID, "overlay-invalidator"),
		ClientID:         "listing-overlay",
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
	}
}

func (c InvalidationConfig) active() bool {
	return c.Enabled && c.Driver == DriverKafka
}

func (c InvalidationConfig) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka invalidation: no brokers configured")
	case c.Topic == "":
		return errors.New("kafka invalidation: empty topic")
	case c.GroupID == "":
		return errors.New("kafka invalidation: empty consumer group")
	}
	return nil
}

func (c InvalidationConfig) consumerConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = c.ClientID
	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.FromOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true
	return sc
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func brokerList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
