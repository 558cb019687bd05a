package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/numbers"
	"github.com/outofforest/numbers/store"
	"github.com/outofforest/numbers/wire"
)

// Config is the config of the numbers peer.
//
// Example:
//
//	broker: localhost:1883
//	root: numbers
//	id: peer1
//	qos: 1
//	max: 1000
//	store: /var/lib/numbers/peer1
//	expectedTopics: 2
//	pollTimeout: 200ms
type Config struct {
	Broker         string        `yaml:"broker"`
	MaxMessageSize uint64        `yaml:"maxMessageSize"`
	Root           string        `yaml:"root"`
	PeerID         string        `yaml:"id"`
	QoS            uint8         `yaml:"qos"`
	MaxNumber      uint64        `yaml:"max"`
	Store          string        `yaml:"store"`
	ExpectedTopics int           `yaml:"expectedTopics"`
	PollTimeout    time.Duration `yaml:"pollTimeout"`
}

func defaultConfig() Config {
	driverConfig := numbers.DefaultConfig()
	storeConfig := store.DefaultConfig()

	return Config{
		Broker:         "localhost:1883",
		MaxMessageSize: 4096,
		Root:           driverConfig.Root,
		QoS:            uint8(driverConfig.QoS),
		ExpectedTopics: storeConfig.ExpectedTopics,
		PollTimeout:    driverConfig.PollTimeout,
	}
}

// loadConfig builds the config from defaults, the optional YAML file and the flags, in that order.
func loadConfig(args []string) (Config, error) {
	config := defaultConfig()

	flags := pflag.NewFlagSet("numbers", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to the YAML config file")
	broker := flags.String("broker", config.Broker, "address of the broker")
	maxMessageSize := flags.Uint64("max-message-size", config.MaxMessageSize, "maximum size of the message")
	root := flags.String("root", config.Root, "root of the topics")
	peerID := flags.String("id", "", "identity of the peer")
	qos := flags.Uint8("qos", config.QoS, "QoS level (0, 1 or 2)")
	maxNumber := flags.Uint64("max", 0, "last number to deliver")
	storePath := flags.String("store", "", "directory of the progress store, in-memory store is used if empty")
	expectedTopics := flags.Int("expected-topics", config.ExpectedTopics,
		"number of topics which must reach the last number")
	pollTimeout := flags.Duration("poll", config.PollTimeout, "maximum time of a single poll")

	if err := flags.Parse(args); err != nil {
		return Config{}, errors.WithStack(err)
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, errors.WithStack(err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, errors.Wrapf(err, "parsing config file %q failed", *configFile)
		}
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "broker":
			config.Broker = *broker
		case "max-message-size":
			config.MaxMessageSize = *maxMessageSize
		case "root":
			config.Root = *root
		case "id":
			config.PeerID = *peerID
		case "qos":
			config.QoS = *qos
		case "max":
			config.MaxNumber = *maxNumber
		case "store":
			config.Store = *storePath
		case "expected-topics":
			config.ExpectedTopics = *expectedTopics
		case "poll":
			config.PollTimeout = *pollTimeout
		}
	})

	if config.PeerID == "" {
		return Config{}, errors.New("peer ID is required")
	}
	if config.MaxNumber == 0 {
		return Config{}, errors.New("max number is required")
	}
	if !wire.QoS(config.QoS).Valid() {
		return Config{}, errors.Errorf("invalid QoS %d", config.QoS)
	}

	return config, nil
}

func (c Config) driverConfig() numbers.Config {
	return numbers.Config{
		Root:        c.Root,
		PeerID:      c.PeerID,
		QoS:         wire.QoS(c.QoS),
		MaxNumber:   c.MaxNumber,
		PollTimeout: c.PollTimeout,
	}
}

func (c Config) storeConfig() store.Config {
	return store.Config{
		Path:           c.Store,
		ExpectedTopics: c.ExpectedTopics,
	}
}

func (c Config) dialerConfig() numbers.DialerConfig {
	return numbers.DialerConfig{
		Broker:         c.Broker,
		MaxMessageSize: c.MaxMessageSize,
	}
}
