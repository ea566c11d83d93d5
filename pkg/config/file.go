package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSettings is the YAML shape of the optional settings file. Every field
// is optional; pointers distinguish absent keys from zero values so the file
// only overrides what it names. Durations are strings in Go syntax ("2s").
type fileSettings struct {
	ListenAddr  *string `yaml:"listen_addr"`
	LogLevel    *string `yaml:"log_level"`
	Environment *string `yaml:"environment"`

	Store struct {
		Driver *string `yaml:"driver"`
		DSN    *string `yaml:"dsn"`
	} `yaml:"store"`

	PolicyFile       *string `yaml:"policy_file"`
	ChainKeyFile     *string `yaml:"chain_key_file"`
	IdentitySnapshot *string `yaml:"identity_snapshot"`

	TimeboxHours            *int    `yaml:"timebox_hours"`
	MaxDepth                *int    `yaml:"max_depth"`
	AdmissionDeadline       *string `yaml:"admission_deadline"`
	GracePeriod             *string `yaml:"grace_period"`
	AckTimeout              *string `yaml:"ack_timeout"`
	HeartbeatInterval       *string `yaml:"heartbeat_interval"`
	ResponderQueue          *int    `yaml:"responder_queue"`
	SweepInterval           *string `yaml:"sweep_interval"`
	ExtendTimeboxOnResponse *bool   `yaml:"extend_timebox_on_response"`

	Archive struct {
		OnClose *bool `yaml:"on_close"`
	} `yaml:"archive"`

	Session struct {
		TTL *string `yaml:"ttl"`
	} `yaml:"session"`

	RateLimit struct {
		RPS       *float64 `yaml:"rps"`
		Burst     *int     `yaml:"burst"`
		RedisAddr *string  `yaml:"redis_addr"`
	} `yaml:"rate_limit"`

	OTEL struct {
		Enabled    *bool    `yaml:"enabled"`
		Endpoint   *string  `yaml:"endpoint"`
		SampleRate *float64 `yaml:"sample_rate"`
		Insecure   *bool    `yaml:"insecure"`
	} `yaml:"otel"`
}

// applyFile layers the YAML settings file at path over c.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load settings file: %w", err)
	}

	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	setString(&c.ListenAddr, fs.ListenAddr)
	setString(&c.LogLevel, fs.LogLevel)
	setString(&c.Environment, fs.Environment)
	setString(&c.StoreDriver, fs.Store.Driver)
	setString(&c.StoreDSN, fs.Store.DSN)
	setString(&c.PolicyFile, fs.PolicyFile)
	setString(&c.ChainKeyFile, fs.ChainKeyFile)
	setString(&c.IdentitySnapshot, fs.IdentitySnapshot)
	setInt(&c.TimeboxHours, fs.TimeboxHours)
	setInt(&c.MaxDepth, fs.MaxDepth)
	setInt(&c.ResponderQueue, fs.ResponderQueue)
	setBool(&c.ExtendTimeboxOnResponse, fs.ExtendTimeboxOnResponse)
	setBool(&c.ArchiveOnClose, fs.Archive.OnClose)
	setFloat(&c.RateLimitRPS, fs.RateLimit.RPS)
	setInt(&c.RateLimitBurst, fs.RateLimit.Burst)
	setString(&c.RedisAddr, fs.RateLimit.RedisAddr)
	setBool(&c.OTELEnabled, fs.OTEL.Enabled)
	setString(&c.OTLPEndpoint, fs.OTEL.Endpoint)
	setFloat(&c.OTELSampleRate, fs.OTEL.SampleRate)
	setBool(&c.OTELInsecure, fs.OTEL.Insecure)

	durations := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.AdmissionDeadline, fs.AdmissionDeadline, "admission_deadline"},
		{&c.GracePeriod, fs.GracePeriod, "grace_period"},
		{&c.AckTimeout, fs.AckTimeout, "ack_timeout"},
		{&c.HeartbeatInterval, fs.HeartbeatInterval, "heartbeat_interval"},
		{&c.SweepInterval, fs.SweepInterval, "sweep_interval"},
		{&c.SessionTTL, fs.Session.TTL, "session.ttl"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("settings file %s: %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
