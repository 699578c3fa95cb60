// Package device talks to a Bambu-style printer over its two LAN channels:
// implicit-TLS FTP for staging files and TLS MQTT for commands and state
// reports.
//
// Both channels present a self-signed, device-specific certificate, so
// certificate and hostname verification are disabled.
package device

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/example/print-agent/internal/config"
)

// Client is safe for concurrent use. Every operation opens and closes its
// own connections.
type Client struct {
	device   config.Device
	dialFTP  ftpDialer
	dialMQTT mqttDialer
}

func NewClient(d config.Device) *Client {
	return &Client{
		device:   d,
		dialFTP:  dialImplicitTLS,
		dialMQTT: dialPaho,
	}
}

func (c *Client) Device() config.Device { return c.device }

func (c *Client) RequestTopic() string {
	return fmt.Sprintf("device/%s/request", c.device.Serial)
}

func (c *Client) ReportTopic() string {
	return fmt.Sprintf("device/%s/report", c.device.Serial)
}

func (c *Client) ftpAddr() string {
	return net.JoinHostPort(c.device.Host, strconv.Itoa(c.device.FTPPort))
}

func (c *Client) mqttAddr() string {
	return net.JoinHostPort(c.device.Host, strconv.Itoa(c.device.MQTTPort))
}

func clientID(role string) string {
	return fmt.Sprintf("print-agent-%s-%s", role, uuid.NewString()[:8])
}

func insecureTLS(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // #nosec G402 -- device certificates are self-signed
	}
}
