package main

import (
	"time"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/sched"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Device is a card path such as /dev/dri/card1 or a card number. If
	// it is empty every card is tried in order.
	Device string `envconfig:"DEVICE"`

	Renderer  string              `envconfig:"RENDERER"`
	Animation sched.AnimationMode `envconfig:"ANIMATION" default:"absolute"`
	Loop      time.Duration       `envconfig:"LOOP" default:"4s"`
	Depth     int                 `envconfig:"DEPTH" default:"3"`
	Leeway    time.Duration       `envconfig:"LEEWAY" default:"5ms"`
	Tolerance time.Duration       `envconfig:"TOLERANCE" default:"500us"`
	Frames    int                 `envconfig:"FRAMES"`

	NoLogind bool `envconfig:"NO_LOGIND"`
	TTY      int  `envconfig:"TTY"`
	Debug    bool `envconfig:"DEBUG"`
}

// LoadConfig reads configuration from KMS_* environment variables,
// after loading a .env file if there is one.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	err := envconfig.Process("kms", &cfg)
	if err != nil {
		return Config{}, err
	}
	if cfg.Depth < buffer.Depth {
		cfg.Depth = buffer.Depth
	}
	return cfg, nil
}
