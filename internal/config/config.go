package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Auth      AuthConfig      `yaml:"auth"`
	Push      PushConfig      `yaml:"push"`
	Notify    NotifyConfig    `yaml:"notify"`
	Retention RetentionConfig `yaml:"retention"`
	Backup    BackupConfig    `yaml:"backup"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type NodeConfig struct {
	ID      string `yaml:"id"` // stable identity; empty = generated on first start and persisted
	Ward    string `yaml:"ward"`
	DataDir string `yaml:"data_dir"`
}

type ServerConfig struct {
	Address             string `yaml:"address"`
	Port                int    `yaml:"port"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs"`
	// ProxyProtocol expects a PROXY v1 header on every connection. Only
	// enable behind a balancer that always sends one.
	ProxyProtocol bool      `yaml:"proxy_protocol"`
	TLS           TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Auto provisions certificates via ACME for internet-facing hub
	// nodes; SelfSigned generates one at startup for LAN pilots.
	Auto       bool     `yaml:"auto"`
	Domains    []string `yaml:"domains"`
	CacheDir   string   `yaml:"cache_dir"`
	SelfSigned bool     `yaml:"self_signed"`
}

type SyncPeer struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type SyncConfig struct {
	Enabled             bool       `yaml:"enabled"`
	Peers               []SyncPeer `yaml:"peers"`
	IntervalSecs        int        `yaml:"interval_secs"`
	TimeoutSecs         int        `yaml:"timeout_secs"`
	BatchSize           int        `yaml:"batch_size"`
	MaxPendingPerRecord int        `yaml:"max_pending_per_record"`
	MaxPendingRounds    int        `yaml:"max_pending_rounds"`
}

type AuthConfig struct {
	JWTSecret     string     `yaml:"jwt_secret"` // empty = random per process, sessions die on restart
	TokenTTLMins  int        `yaml:"token_ttl_mins"`
	AdminUser     string     `yaml:"admin_user"`
	AdminPassword string     `yaml:"admin_password"`
	LDAP          LDAPConfig `yaml:"ldap"`
}

type LDAPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`     // ldap://host:389 or ldaps://host:636
	BindDN     string `yaml:"bind_dn"` // template, %s replaced with the username
	BaseDN     string `yaml:"base_dn"`
	UserAttr   string `yaml:"user_attr"`
	StartTLS   bool   `yaml:"start_tls"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type PushConfig struct {
	Enabled    bool `yaml:"enabled"`
	SendBuffer int  `yaml:"send_buffer"`
}

type WebhookSink struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"` // patterns like "task.completed" or "task.*"; empty = all
}

type KafkaSink struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSSink struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisSink struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`  // pub/sub channel, empty to disable
	ListKey  string `yaml:"list_key"` // LPUSH queue key, empty to disable
}

type AMQPSink struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type PostgresSink struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type NotifyConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	TimeoutSecs int           `yaml:"timeout_secs"`
	MaxRetries  int           `yaml:"max_retries"`
	Webhooks    []WebhookSink `yaml:"webhooks"`
	Kafka       KafkaSink     `yaml:"kafka"`
	NATS        NATSSink      `yaml:"nats"`
	Redis       RedisSink     `yaml:"redis"`
	AMQP        AMQPSink      `yaml:"amqp"`
	Postgres    PostgresSink  `yaml:"postgres"`
}

type RetentionConfig struct {
	Enabled             bool `yaml:"enabled"`
	ScanIntervalSecs    int  `yaml:"scan_interval_secs"`
	PendingTTLSecs      int  `yaml:"pending_ttl_secs"`
	ResolvedReviewDays  int  `yaml:"resolved_review_days"`
	ChangelogGraceHours int  `yaml:"changelog_grace_hours"` // hold entries this long even past every peer watermark
}

type BackupConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	ScheduleCron string `yaml:"schedule_cron"` // simplified cron, "M H * * *"
	Keep         int    `yaml:"keep"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config with every tunable at its default. Load starts
// from this so an empty file yields a runnable single-node setup.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{
			Ward:    "ward-1",
			DataDir: "./data",
		},
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                7420,
			ShutdownTimeoutSecs: 30,
		},
		Sync: SyncConfig{
			IntervalSecs:        15,
			TimeoutSecs:         30,
			BatchSize:           256,
			MaxPendingPerRecord: 64,
			MaxPendingRounds:    8,
		},
		Auth: AuthConfig{
			TokenTTLMins: 480,
			LDAP: LDAPConfig{
				UserAttr: "uid",
			},
		},
		Push: PushConfig{
			Enabled:    true,
			SendBuffer: 64,
		},
		Notify: NotifyConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			TimeoutSecs: 10,
			MaxRetries:  3,
		},
		Retention: RetentionConfig{
			Enabled:             true,
			ScanIntervalSecs:    300,
			PendingTTLSecs:      3600,
			ResolvedReviewDays:  30,
			ChangelogGraceHours: 24,
		},
		Backup: BackupConfig{
			Dir:          "./backups",
			ScheduleCron: "0 3 * * *",
			Keep:         7,
		},
		Journal: JournalConfig{
			Path: "./journal.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec: 50,
			Burst:          100,
		},
	}
}

// Validate rejects configurations that would fail at runtime in confusing
// ways: bad ports, unreachable peer URLs, malformed backup schedules.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.TLS.Enabled {
		switch {
		case c.Server.TLS.Auto:
			if len(c.Server.TLS.Domains) == 0 {
				return fmt.Errorf("tls auto mode requires at least one domain")
			}
		case c.Server.TLS.SelfSigned:
			// nothing to check, the certificate is generated at startup
		default:
			if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
				return fmt.Errorf("tls enabled but cert_file or key_file missing")
			}
		}
	}
	if c.Sync.Enabled {
		for i, p := range c.Sync.Peers {
			if p.Name == "" {
				return fmt.Errorf("sync peer %d missing name", i)
			}
			u, err := url.Parse(p.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("sync peer %q has invalid url %q", p.Name, p.URL)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("sync peer %q url scheme must be http or https", p.Name)
			}
		}
	}
	if c.Auth.LDAP.Enabled {
		if c.Auth.LDAP.URL == "" || c.Auth.LDAP.BindDN == "" {
			return fmt.Errorf("ldap enabled but url or bind_dn missing")
		}
		if !strings.Contains(c.Auth.LDAP.BindDN, "%s") {
			return fmt.Errorf("ldap bind_dn must contain %%s for the username")
		}
	}
	if c.Backup.Enabled {
		if _, _, err := ParseSchedule(c.Backup.ScheduleCron); err != nil {
			return fmt.Errorf("backup schedule: %w", err)
		}
	}
	return nil
}

// ParseSchedule parses the simplified "M H * * *" cron form used for
// backups and returns the minute and hour.
func ParseSchedule(spec string) (minute, hour int, err error) {
	parts := strings.Fields(spec)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("schedule %q: want at least minute and hour fields", spec)
	}
	minute, err = strconv.Atoi(parts[0])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule %q: invalid minute", spec)
	}
	hour, err = strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("schedule %q: invalid hour", spec)
	}
	return minute, hour, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
