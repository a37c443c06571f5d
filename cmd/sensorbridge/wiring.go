package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sensorbridge/internal/config"
	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/fabric"
	"github.com/nugget/sensorbridge/internal/fabric/mqttfabric"
	"github.com/nugget/sensorbridge/internal/fabric/natsfabric"
	"github.com/nugget/sensorbridge/internal/msgs"
	"github.com/nugget/sensorbridge/internal/publisher"
	"github.com/nugget/sensorbridge/internal/sensors"
	"github.com/nugget/sensorbridge/internal/sensors/iio"
	"github.com/nugget/sensorbridge/internal/sensors/simulated"
)

// newMiddleware builds the fabric selected by cfg.Fabric.Kind. Broker
// backends identify themselves with the persistent instance id from
// cfg.DataDir.
func newMiddleware(cfg *config.Config, logger *slog.Logger) (fabric.Middleware, error) {
	switch cfg.Fabric.Kind {
	case "loopback":
		return fabric.NewLoopback(logger), nil
	case "mqtt":
		id, err := fabric.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return mqttfabric.New(mqttfabric.Config{
			Broker:      cfg.Fabric.MQTT.Broker,
			Username:    cfg.Fabric.MQTT.Username,
			Password:    cfg.Fabric.MQTT.Password,
			TopicPrefix: cfg.Fabric.MQTT.TopicPrefix,
			KeepAlive:   time.Duration(cfg.Fabric.MQTT.KeepAliveSec) * time.Second,
			InstanceID:  id,
			Encoding:    cfg.Fabric.Encoding,
		}, logger)
	case "nats":
		id, err := fabric.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return natsfabric.New(natsfabric.Config{
			URL:           cfg.Fabric.NATS.URL,
			SubjectPrefix: cfg.Fabric.NATS.SubjectPrefix,
			MaxReconnects: cfg.Fabric.NATS.MaxReconnects,
			InstanceID:    id,
			Encoding:      cfg.Fabric.Encoding,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown fabric kind %q", cfg.Fabric.Kind)
	}
}

// newPlatform builds the sensor platform selected by cfg.Sensors.Platform.
func newPlatform(cfg *config.Config, logger *slog.Logger) (sensors.Platform, error) {
	switch cfg.Sensors.Platform {
	case "iio":
		return iio.New(cfg.Sensors.IIODir, cfg.Sensors.PollInterval, logger), nil
	case "simulated":
		specs := make([]simulated.Spec, 0, len(cfg.Sensors.Simulated))
		for _, s := range cfg.Sensors.Simulated {
			kind, err := sensors.ParseKind(s.Kind)
			if err != nil {
				return nil, fmt.Errorf("simulated sensor %q: %w", s.Name, err)
			}
			specs = append(specs, simulated.Spec{
				Kind:     kind,
				Name:     s.Name,
				Min:      s.Min,
				Max:      s.Max,
				Period:   s.Period,
				Interval: cfg.Sensors.PollInterval,
			})
		}
		return simulated.New(specs, logger), nil
	default:
		return nil, fmt.Errorf("unknown sensor platform %q", cfg.Sensors.Platform)
	}
}

// registryConfig maps the topic, QoS and encoding settings onto every
// sensor publisher.
func registryConfig(cfg *config.Config, bus *events.Bus) (sensors.RegistryConfig, error) {
	reliability, err := fabric.ParseReliability(cfg.QoS.Reliability)
	if err != nil {
		return sensors.RegistryConfig{}, err
	}
	codec, err := msgs.CodecByName(cfg.Fabric.Encoding)
	if err != nil {
		return sensors.RegistryConfig{}, err
	}

	return sensors.RegistryConfig{
		Topics: map[sensors.Kind]string{
			sensors.KindLight:     cfg.Topic(cfg.Topics.Illuminance),
			sensors.KindProximity: cfg.Topic(cfg.Topics.Range),
		},
		Publisher: []publisher.Option{
			publisher.WithQoS(fabric.QoS{Reliability: reliability, Depth: cfg.QoS.Depth}),
			publisher.WithCodec(codec),
		},
		FieldOfView: float32(cfg.Sensors.FieldOfView),
		Events:      bus,
	}, nil
}
