package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/devcall/pkg/util"
	"github.com/edgeflare/devcall/pkg/util/rand"
)

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	CACert             string `json:"caCert,omitempty" yaml:"caCert,omitempty"`
	ClientCert         string `json:"clientCert,omitempty" yaml:"clientCert,omitempty"`
	ClientKey          string `json:"clientKey,omitempty" yaml:"clientKey,omitempty"`
}

// DefaultQoS is used for requests, replies and subscriptions unless Config.QoS is set.
const DefaultQoS byte = 1

// Config is the JSON config of the mqtt connector.
type Config struct {
	Servers  []string    `json:"servers"`
	ClientID string      `json:"clientID"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	TLS      *TLSOptions `json:"tls,omitempty"`
	QoS      *byte       `json:"qos,omitempty"`

	// KeepAlive is in seconds.
	KeepAlive            int64         `json:"keepAlive,omitempty"`
	ConnectTimeout       time.Duration `json:"connectTimeout,omitempty"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval,omitempty"`
	WriteTimeout         time.Duration `json:"writeTimeout,omitempty"`
	CleanSession         *bool         `json:"cleanSession,omitempty"`
}

func (c Config) qos() byte {
	if c.QoS == nil {
		return DefaultQoS
	}
	return *c.QoS
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	if tlsOpts == nil {
		return nil, nil
	}

	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		caCertPool := x509.NewCertPool()

		var caCert []byte
		var err error

		if tlsOpts.CAFile != "" {
			caCert, err = os.ReadFile(tlsOpts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
		} else {
			caCert = []byte(tlsOpts.CACert)
		}

		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		config.RootCAs = caCertPool
	}

	if (tlsOpts.CertFile != "" && tlsOpts.KeyFile != "") ||
		(tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "") {

		var cert tls.Certificate
		var err error

		if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
			cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		} else {
			cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

func toPahoOptions(cfg Config) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	for _, server := range cfg.Servers {
		u, err := url.Parse(server)
		if err != nil {
			return nil, fmt.Errorf("failed to parse server URL %s: %w", server, err)
		}
		pahoOpts.AddBroker(u.String())
	}

	if cfg.ClientID != "" {
		pahoOpts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		pahoOpts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		pahoOpts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}
	if cfg.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	}
	if cfg.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxReconnectInterval > 0 {
		pahoOpts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.WriteTimeout > 0 {
		pahoOpts.SetWriteTimeout(cfg.WriteTimeout)
	}
	if cfg.CleanSession != nil {
		pahoOpts.SetCleanSession(*cfg.CleanSession)
	}

	// Handlers unsubscribe from inside the callback; with ordered delivery
	// paho would deadlock waiting on its own router goroutine.
	pahoOpts.SetOrderMatters(false)
	pahoOpts.SetAutoReconnect(true)

	return pahoOpts, nil
}

func setDefaultOptions(opts *mqtt.ClientOptions) {
	if len(opts.Servers) == 0 {
		for _, broker := range util.GetEnvList("DEVCALL_MQTT_BROKER", "tcp://127.0.0.1:1883") {
			opts.AddBroker(broker)
		}
	}

	if opts.Username == "" {
		opts.SetUsername(os.Getenv("DEVCALL_MQTT_USERNAME"))
	}
	if opts.Password == "" {
		opts.SetPassword(os.Getenv("DEVCALL_MQTT_PASSWORD"))
	}
	if opts.ClientID == "" {
		opts.SetClientID(fmt.Sprintf("devcall-%s", rand.NewName()))
	}
}

func getBrokerStrings(opts *mqtt.ClientOptions) []string {
	brokers := make([]string, len(opts.Servers))
	for i, server := range opts.Servers {
		brokers[i] = server.String()
	}
	return brokers
}
