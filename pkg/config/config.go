package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration. It is read-only after boot; the
// only runtime-mutable values live in Intervals.
type Config struct {
	WiFi        WiFiConfig        `yaml:"wifi"`
	Backend     BackendConfig     `yaml:"backend"`
	Device      DeviceConfig      `yaml:"device"`
	Serial      SerialConfig      `yaml:"serial"`
	Pins        PinsConfig        `yaml:"pins"`
	Timing      TimingConfig      `yaml:"timing"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Irrigation  IrrigationConfig  `yaml:"irrigation"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Diag        DiagConfig        `yaml:"diag"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	State       StateConfig       `yaml:"state"`
}

// WiFiConfig contains the network credentials. An empty SSID means the
// gateway is wired and never needs to associate.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
}

// BackendConfig contains backend endpoint configuration.
type BackendConfig struct {
	URL           string        `yaml:"url"`
	AnonKey       string        `yaml:"anon_key"`
	Timeout       time.Duration `yaml:"timeout"`        // Per-call deadline
	ProbeInterval time.Duration `yaml:"probe_interval"` // Open breaker wait before the next probe
	AllowInsecure bool          `yaml:"allow_insecure"` // Permit http:// URLs (local testing)
}

// DeviceConfig contains device identity.
type DeviceConfig struct {
	ID              string `yaml:"id"`
	ZoneID          string `yaml:"zone_id"`
	Name            string `yaml:"name"`
	FirmwareVersion string `yaml:"firmware_version"`
}

// SerialConfig contains the analog front-end serial link configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	Outputs  string `yaml:"outputs"` // "serial" or "gpio"
}

// PinsConfig contains pin assignments. Analog pins are used by the front-end
// firmware; output pins are used by the GPIO backend.
type PinsConfig struct {
	Moisture    int `yaml:"moisture"`
	Temperature int `yaml:"temperature"`
	Humidity    int `yaml:"humidity"`
	Light       int `yaml:"light"`
	Pump        int `yaml:"pump"`
	StatusLED   int `yaml:"status_led"`
	Buzzer      int `yaml:"buzzer"`
}

// TimingConfig contains the default task periods.
type TimingConfig struct {
	SendInterval          time.Duration `yaml:"send_interval"`
	CommandCheckInterval  time.Duration `yaml:"command_check_interval"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	WiFiReconnectInterval time.Duration `yaml:"wifi_reconnect_interval"`
	LoopTick              time.Duration `yaml:"loop_tick"` // Main loop granularity
}

// CalibrationConfig contains sensor calibration parameters.
type CalibrationConfig struct {
	MoistureMin       int     `yaml:"moisture_min"`
	MoistureMax       int     `yaml:"moisture_max"`
	LightMin          int     `yaml:"light_min"`
	LightMax          int     `yaml:"light_max"`
	TemperatureOffset float64 `yaml:"temperature_offset"`
	HumidityOffset    float64 `yaml:"humidity_offset"`
	ADCMax            int     `yaml:"adc_max"`
	VRef              float64 `yaml:"vref"`
	AverageFrames     int     `yaml:"average_frames"` // Frames averaged per reading (0 = latest only)
}

// IrrigationConfig contains pump control parameters.
type IrrigationConfig struct {
	DefaultDuration   time.Duration `yaml:"default_duration"`
	MoistureThreshold int           `yaml:"moisture_threshold"`
	Hysteresis        int           `yaml:"hysteresis"`
	HardCeiling       time.Duration `yaml:"hard_ceiling"`
	AutoWater         bool          `yaml:"auto_water"`
}

// BufferConfig contains offline buffer sizing.
type BufferConfig struct {
	MaxSize                int `yaml:"max_size"`
	MaxFailedTransmissions int `yaml:"max_failed_transmissions"`
	MaxPayloadBytes        int `yaml:"max_payload_bytes"`
}

// DiagConfig contains the diagnostic console configuration.
type DiagConfig struct {
	Port     string `yaml:"port"` // Optional serial console
	BaudRate int    `yaml:"baud_rate"`
	Debug    bool   `yaml:"debug"`
}

// MetricsConfig contains the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// MirrorConfig contains the optional local reading sinks.
type MirrorConfig struct {
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Influx InfluxConfig `yaml:"influx"`
}

// MQTTConfig contains the local MQTT mirror configuration.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883; empty disables
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxConfig contains the local InfluxDB mirror configuration.
type InfluxConfig struct {
	URL    string `yaml:"url"` // Empty disables
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// StateConfig contains the non-volatile state file location.
type StateConfig struct {
	Path string `yaml:"path"` // Empty disables persistence
}

// Template placeholders that must be replaced before the agent can run.
const (
	PlaceholderSSID    = "Your_WiFi_Network_Name"
	PlaceholderURL     = "https://your-project-id.supabase.co"
	PlaceholderAnonKey = "your_supabase_anon_key_here"
	PlaceholderZoneID  = "your_zone_uuid_here"
)

// Default returns a default configuration with the values of the firmware template.
func Default() *Config {
	return &Config{
		WiFi: WiFiConfig{
			SSID:     PlaceholderSSID,
			Password: "Your_WiFi_Password",
		},
		Backend: BackendConfig{
			URL:           PlaceholderURL,
			AnonKey:       PlaceholderAnonKey,
			Timeout:       5 * time.Second,
			ProbeInterval: 2 * time.Second,
		},
		Device: DeviceConfig{
			ID:              "esp32_garden_001",
			ZoneID:          PlaceholderZoneID,
			Name:            "ESP32 Garden Monitor",
			FirmwareVersion: "1.0.0",
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 115200,
			Outputs:  "serial",
		},
		Pins: PinsConfig{
			Moisture:    34,
			Temperature: 35,
			Humidity:    16,
			Light:       39,
			Pump:        5,
			StatusLED:   2,
			Buzzer:      4,
		},
		Timing: TimingConfig{
			SendInterval:          30 * time.Second,
			CommandCheckInterval:  15 * time.Second,
			HeartbeatInterval:     60 * time.Second,
			WiFiReconnectInterval: 30 * time.Second,
			LoopTick:              50 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			MoistureMin:       0,
			MoistureMax:       4095,
			LightMin:          0,
			LightMax:          4095,
			TemperatureOffset: 0.0,
			HumidityOffset:    0.0,
			ADCMax:            4095,
			VRef:              3.3,
			AverageFrames:     0,
		},
		Irrigation: IrrigationConfig{
			DefaultDuration:   5 * time.Second,
			MoistureThreshold: 30,
			Hysteresis:        5,
			HardCeiling:       60 * time.Second,
			AutoWater:         true,
		},
		Buffer: BufferConfig{
			MaxSize:                10,
			MaxFailedTransmissions: 3,
			MaxPayloadBytes:        4096,
		},
		Diag: DiagConfig{
			BaudRate: 115200,
		},
		Mirror: MirrorConfig{
			MQTT: MQTTConfig{
				Topic:    "garden/%s/reading",
				ClientID: "gardenagent",
			},
			Influx: InfluxConfig{
				Bucket: "garden",
			},
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every setting that would prevent the agent from running.
func (c *Config) Validate() error {
	var errs []error

	if c.WiFi.SSID == PlaceholderSSID {
		errs = append(errs, errors.New("wifi.ssid is still the template placeholder"))
	}
	if c.Backend.AnonKey == "" || c.Backend.AnonKey == PlaceholderAnonKey {
		errs = append(errs, errors.New("backend.anon_key is not set"))
	}
	if c.Device.ID == "" {
		errs = append(errs, errors.New("device.id is empty"))
	}
	if c.Device.ZoneID == "" || c.Device.ZoneID == PlaceholderZoneID {
		errs = append(errs, errors.New("device.zone_id is not set"))
	}

	if c.Backend.URL == PlaceholderURL {
		errs = append(errs, errors.New("backend.url is still the template placeholder"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is malformed", c.Backend.URL))
	} else if u.Scheme != "https" && !(c.Backend.AllowInsecure && u.Scheme == "http") {
		errs = append(errs, fmt.Errorf("backend.url must use https, got %q", u.Scheme))
	}

	if c.Calibration.MoistureMax <= c.Calibration.MoistureMin {
		errs = append(errs, errors.New("calibration.moisture_max must exceed moisture_min"))
	}
	if c.Calibration.LightMax <= c.Calibration.LightMin {
		errs = append(errs, errors.New("calibration.light_max must exceed light_min"))
	}
	if c.Backend.ProbeInterval > MaxProbeInterval {
		errs = append(errs, fmt.Errorf("backend.probe_interval may not exceed %s", MaxProbeInterval))
	}
	if c.Buffer.MaxSize < 1 {
		errs = append(errs, errors.New("buffer.max_size must be at least 1"))
	}
	if c.Irrigation.HardCeiling > MaxIrrigation {
		errs = append(errs, fmt.Errorf("irrigation.hard_ceiling may not exceed %s", MaxIrrigation))
	}
	if c.Irrigation.DefaultDuration > c.Irrigation.HardCeiling {
		errs = append(errs, errors.New("irrigation.default_duration exceeds hard_ceiling"))
	}

	if err := c.Intervals().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Intervals returns a mutable copy of the configured task periods.
func (c *Config) Intervals() *Intervals {
	return &Intervals{
		Send:         c.Timing.SendInterval,
		CommandCheck: c.Timing.CommandCheckInterval,
		Heartbeat:    c.Timing.HeartbeatInterval,
	}
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = def.Backend.Timeout
	}
	if c.Backend.ProbeInterval == 0 {
		c.Backend.ProbeInterval = def.Backend.ProbeInterval
	}
	if c.Device.Name == "" {
		c.Device.Name = def.Device.Name
	}
	if c.Device.FirmwareVersion == "" {
		c.Device.FirmwareVersion = def.Device.FirmwareVersion
	}

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Outputs == "" {
		c.Serial.Outputs = def.Serial.Outputs
	}

	if c.Timing.SendInterval == 0 {
		c.Timing.SendInterval = def.Timing.SendInterval
	}
	if c.Timing.CommandCheckInterval == 0 {
		c.Timing.CommandCheckInterval = def.Timing.CommandCheckInterval
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = def.Timing.HeartbeatInterval
	}
	if c.Timing.WiFiReconnectInterval == 0 {
		c.Timing.WiFiReconnectInterval = def.Timing.WiFiReconnectInterval
	}
	if c.Timing.LoopTick == 0 {
		c.Timing.LoopTick = def.Timing.LoopTick
	}

	if c.Calibration.ADCMax == 0 {
		c.Calibration.ADCMax = def.Calibration.ADCMax
	}
	if c.Calibration.VRef == 0 {
		c.Calibration.VRef = def.Calibration.VRef
	}
	if c.Calibration.MoistureMax == 0 {
		c.Calibration.MoistureMax = def.Calibration.MoistureMax
	}
	if c.Calibration.LightMax == 0 {
		c.Calibration.LightMax = def.Calibration.LightMax
	}

	if c.Irrigation.DefaultDuration == 0 {
		c.Irrigation.DefaultDuration = def.Irrigation.DefaultDuration
	}
	if c.Irrigation.MoistureThreshold == 0 {
		c.Irrigation.MoistureThreshold = def.Irrigation.MoistureThreshold
	}
	if c.Irrigation.HardCeiling == 0 {
		c.Irrigation.HardCeiling = def.Irrigation.HardCeiling
	}

	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = def.Buffer.MaxSize
	}
	if c.Buffer.MaxFailedTransmissions == 0 {
		c.Buffer.MaxFailedTransmissions = def.Buffer.MaxFailedTransmissions
	}
	if c.Buffer.MaxPayloadBytes == 0 {
		c.Buffer.MaxPayloadBytes = def.Buffer.MaxPayloadBytes
	}

	if c.Diag.BaudRate == 0 {
		c.Diag.BaudRate = def.Diag.BaudRate
	}
	if c.Mirror.MQTT.Topic == "" {
		c.Mirror.MQTT.Topic = def.Mirror.MQTT.Topic
	}
	if c.Mirror.MQTT.ClientID == "" {
		c.Mirror.MQTT.ClientID = def.Mirror.MQTT.ClientID
	}
	if c.Mirror.Influx.Bucket == "" {
		c.Mirror.Influx.Bucket = def.Mirror.Influx.Bucket
	}
}
