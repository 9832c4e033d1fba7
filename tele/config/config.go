package tele_config

type Config struct { //nolint:maligned
	Enabled        bool   `hcl:"enable"`
	MqttBroker     string `hcl:"mqtt_broker"`
	MqttPassword   string `hcl:"mqtt_password"`
	ClientID       string `hcl:"client_id"`
	TopicPrefix    string `hcl:"topic_prefix"`
	KeepaliveSec   int    `hcl:"keepalive_sec"`
	PingTimeoutSec int    `hcl:"ping_timeout_sec"`
	StorePath      string `hcl:"store_path"`
	LogDebug       bool   `hcl:"log_debug"`
}
