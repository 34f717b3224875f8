package editlock

import (
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/events/kafkasink"
	"pkt.systems/editlock/internal/events/natssink"
	"pkt.systems/editlock/internal/events/redissink"
	"pkt.systems/editlock/internal/svcfields"
)

// OpenEventSink builds an external sink from a URL:
//
//	log://
//	nats://host:4222?subject_prefix=editlock.locks
//	kafka://broker1:9092,broker2:9092/topic
//	redis://host:6379/0?channel=editlock.locks&stream=editlock:events
func OpenEventSink(raw string, logger pslog.Logger) (events.Sink, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("events: sink %q must be a URL", raw)
	}
	switch strings.ToLower(scheme) {
	case "log":
		return events.NewLogSink(svcfields.WithSubsystem(logger, "events.log")), nil
	case "nats", "tls":
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("events: parse nats url: %w", err)
		}
		prefix := u.Query().Get("subject_prefix")
		return natssink.New(natssink.Config{URL: stripQueryParam(u, "subject_prefix"), SubjectPrefix: prefix})
	case "kafka":
		hosts, topic, _ := strings.Cut(rest, "/")
		var brokers []string
		for _, b := range strings.Split(hosts, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		topic = strings.Trim(topic, "/")
		if len(brokers) == 0 || topic == "" {
			return nil, fmt.Errorf("events: kafka sink requires kafka://broker[,broker]/topic")
		}
		return kafkasink.New(kafkasink.Config{Brokers: brokers, Topic: topic, ClientID: serviceName})
	case "redis", "rediss":
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("events: parse redis url: %w", err)
		}
		q := u.Query()
		return redissink.New(redissink.Config{URL: stripQueryParam(u, "channel", "stream"), Channel: q.Get("channel"), Stream: q.Get("stream")})
	default:
		return nil, fmt.Errorf("events: sink scheme %q not supported (options: log, nats, kafka, redis)", scheme)
	}
}

// buildPublisher fans events out to the in-process hub and every configured
// external sink. External sinks are decoupled through bounded async queues.
func buildPublisher(cfg Config, hub *events.Hub, logger pslog.Logger) (*events.Multi, error) {
	sinks := []events.Sink{hub}
	eventsLogger := svcfields.WithSubsystem(logger, "events")
	for _, raw := range cfg.Events {
		sink, err := OpenEventSink(raw, logger)
		if err != nil {
			for _, s := range sinks[1:] {
				_ = s.Close()
			}
			return nil, err
		}
		eventsLogger.Info("events.sink.enabled", "sink", redactURL(raw))
		sinks = append(sinks, events.NewAsync(sink, cfg.EventBuffer, eventsLogger))
	}
	return events.NewMulti(sinks...), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
