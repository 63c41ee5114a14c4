package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	AuthModeNone         = "none"
	AuthModeSharedSecret = "shared-secret"
)

type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Signaling SignalingConfig `yaml:"signaling"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Auth      AuthConfig      `yaml:"auth"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
}

type WebRTCConfig struct {
	STUNServers   []string      `yaml:"stun_servers" env:"WEBRTC_STUN_SERVERS"`
	AnswerTimeout time.Duration `yaml:"answer_timeout" env:"WEBRTC_ANSWER_TIMEOUT" env-default:"30s"`
}

type SignalingConfig struct {
	SendQueueSize    int           `yaml:"send_queue_size" env:"SIGNALING_SEND_QUEUE_SIZE" env-default:"256"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes" env:"SIGNALING_MAX_MESSAGE_BYTES" env-default:"65536"`
	WriteWait        time.Duration `yaml:"write_wait" env:"SIGNALING_WRITE_WAIT" env-default:"10s"`
	PongWait         time.Duration `yaml:"pong_wait" env:"SIGNALING_PONG_WAIT" env-default:"60s"`
	RateLimit        float64       `yaml:"rate_limit" env:"SIGNALING_RATE_LIMIT" env-default:"50"`
	RateBurst        int           `yaml:"rate_burst" env:"SIGNALING_RATE_BURST" env-default:"100"`
	DeliveryReceipts bool          `yaml:"delivery_receipts" env:"SIGNALING_DELIVERY_RECEIPTS" env-default:"false"`
}

type RoomsConfig struct {
	Protected []RoomSeed `yaml:"protected"`
}

// RoomSeed describes a room that exists from startup and is never deleted.
type RoomSeed struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	Mode         string `yaml:"mode" env:"AUTH_MODE" env-default:"none"`
	SharedSecret string `yaml:"shared_secret" env:"AUTH_SHARED_SECRET"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

// Default returns the configuration used when no file is present, with
// environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
	}
	if c.WebRTC.AnswerTimeout <= 0 {
		c.WebRTC.AnswerTimeout = 30 * time.Second
	}
	if c.Signaling.SendQueueSize <= 0 {
		c.Signaling.SendQueueSize = 256
	}
	if c.Signaling.MaxMessageBytes <= 0 {
		c.Signaling.MaxMessageBytes = 64 * 1024
	}
	if c.Signaling.WriteWait <= 0 {
		c.Signaling.WriteWait = 10 * time.Second
	}
	if c.Signaling.PongWait <= 0 {
		c.Signaling.PongWait = 60 * time.Second
	}
	if c.Signaling.RateLimit <= 0 {
		c.Signaling.RateLimit = 50
	}
	if c.Signaling.RateBurst <= 0 {
		c.Signaling.RateBurst = 100
	}
	if len(c.Rooms.Protected) == 0 {
		c.Rooms.Protected = DefaultProtectedRooms()
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}
}

// DefaultProtectedRooms returns the rooms seeded at startup.
func DefaultProtectedRooms() []RoomSeed {
	return []RoomSeed{
		{ID: "roomA", Name: "Video Call Test"},
		{ID: "room1", Name: "Business Meeting"},
		{ID: "room2", Name: "Team Scrum"},
	}
}

// PingPeriod is how often the server pings an idle websocket. It must be
// shorter than PongWait.
func (s SignalingConfig) PingPeriod() time.Duration {
	return (s.PongWait * 9) / 10
}
