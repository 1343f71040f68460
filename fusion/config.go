package fusion

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVideoDelayMS  = 75
	DefaultXYZDelayMS    = 40
	DefaultMaxKeyframes  = 60
	DefaultPublishPrefix = "dronefuse"
	DefaultClientID      = "dronefuse"
)

// Config is the service configuration.
type Config struct {
	MQTT      MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Fusion    FusionConfig `yaml:"fusion" json:"fusion"`
	Camera    CameraConfig `yaml:"camera" json:"camera"`
	IMUSerial SerialConfig `yaml:"imuSerial,omitempty" json:"imuSerial,omitempty"`
	Record    RecordConfig `yaml:"record,omitempty" json:"record,omitempty"`
	HTTP      HTTPConfig   `yaml:"http,omitempty" json:"http,omitempty"`
	Render    RenderConfig `yaml:"render,omitempty" json:"render,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string      `yaml:"broker" json:"broker"`
	PublishPrefix string      `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string      `yaml:"clientId" json:"clientId"`
	Username      string      `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string      `yaml:"password,omitempty" json:"password,omitempty"`
	QoS           byte        `yaml:"qos,omitempty" json:"qos,omitempty"`
	Topics        TopicConfig `yaml:"topics" json:"topics"`
}

// TopicConfig names the subscribed topics. Empty topics are not subscribed.
type TopicConfig struct {
	Inertial string `yaml:"inertial" json:"inertial"`
	Video    string `yaml:"video" json:"video"`
	Command  string `yaml:"command" json:"command"`
}

// FusionConfig tunes the frame pipeline. MaxSampleMS bounds sample
// timestamps in session milliseconds; the default admits samples for about
// 33 minutes after startup.
type FusionConfig struct {
	VideoDelayMS    int64          `yaml:"videoDelayMs" json:"videoDelayMs"`
	XYZDelayMS      int64          `yaml:"xyzDelayMs" json:"xyzDelayMs"`
	MaxKeyframes    int            `yaml:"maxKeyframes" json:"maxKeyframes"`
	Keyframe        KeyframeParams `yaml:"keyframe" json:"keyframe"`
	QueueCapacity   int            `yaml:"queueCapacity,omitempty" json:"queueCapacity,omitempty"`
	FrameBuffer     int            `yaml:"frameBuffer,omitempty" json:"frameBuffer,omitempty"`
	MaxSampleMS     int64          `yaml:"maxSampleTimestampMs,omitempty" json:"maxSampleTimestampMs,omitempty"`
	MaxSampleSeq    int64          `yaml:"maxSampleSeq,omitempty" json:"maxSampleSeq,omitempty"`
	ObservationGain float64        `yaml:"observationGain,omitempty" json:"observationGain,omitempty"`
}

// QueueConfig returns the inertial queue bounds.
func (c FusionConfig) QueueConfig() QueueConfig {
	return QueueConfig{Capacity: c.QueueCapacity, MaxTimestampMS: c.MaxSampleMS, MaxSeq: c.MaxSampleSeq}
}

// CameraConfig selects the camera calibration.
type CameraConfig struct {
	Params          *[5]float64    `yaml:"params,omitempty" json:"params,omitempty"`
	CalibrationFile string         `yaml:"calibrationFile,omitempty" json:"calibrationFile,omitempty"`
	DefaultFiles    map[int]string `yaml:"defaultFiles,omitempty" json:"defaultFiles,omitempty"`
	WaitInterval    time.Duration  `yaml:"waitInterval,omitempty" json:"waitInterval,omitempty"`
}

// SerialConfig reads inertial telemetry from a serial port when Port is set.
type SerialConfig struct {
	Port     string `yaml:"port,omitempty" json:"port,omitempty"`
	BaudRate int    `yaml:"baudRate,omitempty" json:"baudRate,omitempty"`
	DataBits int    `yaml:"dataBits,omitempty" json:"dataBits,omitempty"`
	StopBits int    `yaml:"stopBits,omitempty" json:"stopBits,omitempty"`
	Parity   string `yaml:"parity,omitempty" json:"parity,omitempty"`
}

// PortOptions converts the config into serial port options.
func (c SerialConfig) PortOptions() PortOptions {
	return PortOptions{BaudRate: c.BaudRate, DataBits: c.DataBits, StopBits: c.StopBits, Parity: c.Parity}
}

// RecordConfig enables local recording of log records.
type RecordConfig struct {
	LogFile string `yaml:"logFile,omitempty" json:"logFile,omitempty"`
	SQLite  string `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
}

// HTTPConfig enables the status server when Port is non-zero.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// RenderConfig tunes the snapshot views.
type RenderConfig struct {
	MMPerMeter float64 `yaml:"mmPerMeter,omitempty" json:"mmPerMeter,omitempty"`
	DPMM       float64 `yaml:"dpmm,omitempty" json:"dpmm,omitempty"`
}

// NewConfig returns a configuration preset with the defaults that an
// explicit zero in the file must be able to override.
func NewConfig() Config {
	return Config{Fusion: FusionConfig{
		VideoDelayMS: DefaultVideoDelayMS,
		XYZDelayMS:   DefaultXYZDelayMS,
	}}
}

// ApplyDefaults fills unset fields. Zero is a valid delay, so the delays
// are preset by NewConfig instead.
func (c *Config) ApplyDefaults() {
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.Fusion.MaxKeyframes == 0 {
		c.Fusion.MaxKeyframes = DefaultMaxKeyframes
	}
	if c.Fusion.QueueCapacity == 0 {
		c.Fusion.QueueCapacity = DefaultQueueCapacity
	}
	if c.Fusion.FrameBuffer == 0 {
		c.Fusion.FrameBuffer = DefaultFrameBuffer
	}
	if c.Fusion.MaxSampleMS == 0 {
		c.Fusion.MaxSampleMS = DefaultMaxSampleMS
	}
	if c.Fusion.MaxSampleSeq == 0 {
		c.Fusion.MaxSampleSeq = DefaultMaxSampleSeq
	}
	if c.Camera.WaitInterval == 0 {
		c.Camera.WaitInterval = 250 * time.Millisecond
	}
}

// Validate checks the values that would make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.Fusion.VideoDelayMS < 0 || c.Fusion.XYZDelayMS < 0 {
		return fmt.Errorf("fusion delays must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Fusion.QueueCapacity < 1 {
		return fmt.Errorf("fusion.queueCapacity must be positive")
	}
	if c.Fusion.FrameBuffer < 1 {
		return fmt.Errorf("fusion.frameBuffer must be positive")
	}
	if c.Fusion.ObservationGain < 0 || c.Fusion.ObservationGain > 1 {
		return fmt.Errorf("fusion.observationGain must be within [0, 1]")
	}
	for v := range c.Camera.DefaultFiles {
		if v != 1 && v != 2 {
			return fmt.Errorf("camera.defaultFiles: unknown device version %d", v)
		}
	}
	if c.Camera.Params == nil && c.Camera.CalibrationFile == "" && len(c.Camera.DefaultFiles) == 0 {
		return fmt.Errorf("camera: one of params, calibrationFile or defaultFiles is required")
	}
	if c.IMUSerial.Port != "" {
		if _, err := c.IMUSerial.PortOptions().Normalize(); err != nil {
			return fmt.Errorf("imuSerial: %w", err)
		}
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ResolveBroker returns the broker address, preferring MQTT_BROKER.
// An empty result disables MQTT.
func (c *Config) ResolveBroker() string {
	return envOr("MQTT_BROKER", c.MQTT.Broker)
}

// ResolveClientID returns the client ID, preferring MQTT_CLIENT_ID.
func (c *Config) ResolveClientID() string {
	return envOr("MQTT_CLIENT_ID", c.MQTT.ClientID)
}

// ResolveCredentials returns username and password, preferring
// MQTT_USERNAME and MQTT_PASSWORD.
func (c *Config) ResolveCredentials() (string, string) {
	return envOr("MQTT_USERNAME", c.MQTT.Username), envOr("MQTT_PASSWORD", c.MQTT.Password)
}

// ResolvePublishPrefix returns the topic prefix, preferring
// MQTT_PUBLISH_PREFIX.
func (c *Config) ResolvePublishPrefix() string {
	return envOr("MQTT_PUBLISH_PREFIX", c.MQTT.PublishPrefix)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
