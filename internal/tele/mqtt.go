// Package tele implements the MQTT sink transport.
package tele

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/helpers"
	tele_api "github.com/mlutra/fieldgate/tele"
	tele_config "github.com/mlutra/fieldgate/tele/config"
	"github.com/mlutra/fieldgate/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

type transportMqtt struct {
	log  *log2.Log
	m    mqtt.Client
	mopt *mqtt.ClientOptions
	stat tele_api.Stat

	pubTimeout  time.Duration
	topicPrefix string
	topicOnline string
}

var _ tele_api.Sinker = (*transportMqtt)(nil)

// NewMqtt connects to the broker in the background; Publish reports
// false until the connection is up, callers push those payloads through
// the retry queue.
func NewMqtt(log *log2.Log, cfg tele_config.Config) (tele_api.Sinker, error) {
	self := &transportMqtt{log: log}
	if cfg.LogDebug {
		self.log = log.Clone(log2.LDebug)
	}
	mqtt.ERROR = self.log
	mqtt.CRITICAL = self.log
	mqtt.WARN = self.log

	if cfg.MqttBroker == "" {
		return nil, errors.NotValidf("tele mqtt_broker is empty")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		return nil, errors.NotValidf("tele client_id is empty")
	}
	credFun := func() (string, string) { return clientID, cfg.MqttPassword }

	self.topicPrefix = cfg.TopicPrefix
	if self.topicPrefix == "" {
		self.topicPrefix = clientID
	}
	self.topicOnline = fmt.Sprintf("%s/c", self.topicPrefix)
	keepAlive := helpers.IntSecondDefault(cfg.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(cfg.PingTimeoutSec, 30*time.Second)
	retryInterval := helpers.IntSecondDefault(cfg.KeepaliveSec/2, 30*time.Second)
	self.pubTimeout = pingTimeout

	self.mopt = mqtt.NewClientOptions().
		AddBroker(cfg.MqttBroker).
		SetBinaryWill(self.topicOnline, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetConnectRetryInterval(retryInterval).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler).
		SetConnectRetry(true)
	if cfg.StorePath != "" {
		self.mopt.SetStore(mqtt.NewFileStore(cfg.StorePath))
	}
	self.m = mqtt.NewClient(self.mopt)
	token := self.m.Connect()
	if token.Error() != nil {
		return nil, errors.Annotate(token.Error(), "tele mqtt connect")
	}
	return self, nil
}

// Publish sends at QoS 1 and waits for the broker ack, bounded by the
// ping timeout. Any failure path returns false, never an error.
func (self *transportMqtt) Publish(topic string, payload []byte) bool {
	fullTopic := fmt.Sprintf("%s/%s", self.topicPrefix, topic)
	token := self.m.Publish(fullTopic, 1, false, payload)
	ok := token.WaitTimeout(self.pubTimeout) && token.Error() == nil
	if ok {
		self.stat.Success()
	} else {
		self.stat.Failure()
		self.log.Infof("tele publish topic=%s failed err=%v", fullTopic, token.Error())
	}
	return ok
}

func (self *transportMqtt) Close() {
	self.m.Publish(self.topicOnline, 1, true, []byte{0x00})
	self.m.Disconnect(uint(DefaultNetworkTimeout / time.Millisecond))
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("tele mqtt disconnect err=%v", err)
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("tele mqtt connect")
	c.Publish(self.topicOnline, 1, true, []byte{0x01})
}
