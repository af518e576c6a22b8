// Package config resolves the server and CLI settings from defaults, an
// optional TOML file, FRAMEPROOF_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FRAMEPROOF_"

// Duration is a time.Duration that reads and writes Go duration strings in
// TOML files ("30s", "2h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type TLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type Storage struct {
	Driver         string   `toml:"driver"`
	PostgresDSN    string   `toml:"postgres_dsn"`
	MaxConns       int      `toml:"max_conns"`
	MinConns       int      `toml:"min_conns"`
	AcquireTimeout Duration `toml:"acquire_timeout"`
	AppName        string   `toml:"app_name"`
	MigrateOnStart bool     `toml:"migrate_on_start"`
}

type Blob struct {
	Driver         string `toml:"driver"`
	Root           string `toml:"root"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Bucket         string `toml:"bucket"`
	UseSSL         bool   `toml:"use_ssl"`
	Prefix         string `toml:"prefix"`
	PublicEndpoint string `toml:"public_endpoint"`
}

type Redis struct {
	Addrs    []string `toml:"addrs"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Stream   string   `toml:"stream"`
	NodeID   string   `toml:"node_id"`
}

// Enabled reports whether a Redis deployment is configured.
func (r Redis) Enabled() bool {
	return len(r.Addrs) > 0
}

type Identity struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTIssuer   string `toml:"jwt_issuer"`
	JWTAudience string `toml:"jwt_audience"`
	// Header names a trusted proxy header carrying the caller. Used only when
	// no JWT secret is configured.
	Header string `toml:"header"`
	// AllowAll skips membership checks. Development only.
	AllowAll bool `toml:"allow_all"`
}

type Transcoder struct {
	URL              string   `toml:"url"`
	Token            string   `toml:"token"`
	CallbackURL      string   `toml:"callback_url"`
	CallbackSecret   string   `toml:"callback_secret"`
	PassthroughDelay Duration `toml:"passthrough_delay"`
	Workers          int      `toml:"workers"`
	Timeout          Duration `toml:"timeout"`
}

type Uploads struct {
	MaxSize           int64    `toml:"max_size"`
	ChannelQuota      int64    `toml:"channel_quota"`
	MaxChunkSize      int64    `toml:"max_chunk_size"`
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

type Realtime struct {
	HeartbeatTimeout   Duration `toml:"heartbeat_timeout"`
	StreamBuffer       int      `toml:"stream_buffer"`
	WebSocketHeartbeat Duration `toml:"websocket_heartbeat"`
	ChannelIdleTTL     Duration `toml:"channel_idle_ttl"`
}

type RateLimit struct {
	GlobalRPS   float64  `toml:"global_rps"`
	GlobalBurst int      `toml:"global_burst"`
	ClientRPS   float64  `toml:"client_rps"`
	ClientBurst int      `toml:"client_burst"`
	WriteLimit  int      `toml:"write_limit"`
	WriteWindow Duration `toml:"write_window"`
}

type Config struct {
	Addr            string     `toml:"addr"`
	LogLevel        string     `toml:"log_level"`
	LogFormat       string     `toml:"log_format"`
	ShutdownTimeout Duration   `toml:"shutdown_timeout"`
	CORSOrigins     []string   `toml:"cors_origins"`
	TLS             TLS        `toml:"tls"`
	Storage         Storage    `toml:"storage"`
	Blob            Blob       `toml:"blob"`
	Redis           Redis      `toml:"redis"`
	Identity        Identity   `toml:"identity"`
	Transcoder      Transcoder `toml:"transcoder"`
	Uploads         Uploads    `toml:"uploads"`
	Realtime        Realtime   `toml:"realtime"`
	RateLimit       RateLimit  `toml:"rate_limit"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: Duration(15 * time.Second),
		Storage: Storage{
			Driver:         "memory",
			AcquireTimeout: Duration(5 * time.Second),
			AppName:        "frameproof",
		},
		Blob:  Blob{Driver: "memory"},
		Redis: Redis{Stream: "frameproof:events"},
		Transcoder: Transcoder{
			PassthroughDelay: Duration(time.Second),
			Workers:          2,
			Timeout:          Duration(2 * time.Hour),
		},
		Uploads: Uploads{
			MaxSize:           20 << 30,
			ChannelQuota:      200 << 30,
			MaxChunkSize:      64 << 20,
			InactivityTimeout: Duration(24 * time.Hour),
			SweepInterval:     Duration(5 * time.Minute),
		},
		Realtime: Realtime{
			HeartbeatTimeout:   Duration(45 * time.Second),
			StreamBuffer:       256,
			WebSocketHeartbeat: Duration(25 * time.Second),
			ChannelIdleTTL:     Duration(10 * time.Minute),
		},
		RateLimit: RateLimit{
			ClientRPS:   20,
			ClientBurst: 40,
			WriteWindow: Duration(time.Minute),
		},
	}
}

// Load resolves the configuration for the program called name. args are the
// command-line arguments without the program name; getenv is usually
// os.Getenv. The file named by -config (or FRAMEPROOF_CONFIG) is optional.
func Load(name string, args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	settings := bindSettings(&cfg)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a TOML configuration file")
	raw := make(map[string]*rawValue, len(settings))
	for _, s := range settings {
		rv := &rawValue{isBool: s.isBool}
		raw[s.flag] = rv
		fs.Var(rv, s.flag, s.usage)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if path := firstNonEmpty(*configPath, getenv(EnvPrefix+"CONFIG")); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	for _, s := range settings {
		if value := strings.TrimSpace(getenv(s.env())); value != "" {
			if err := s.value.Set(value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.env(), err))
			}
		}
	}
	fs.Visit(func(f *flag.Flag) {
		rv, ok := raw[f.Name]
		if !ok {
			return
		}
		for _, s := range settings {
			if s.flag == f.Name {
				if err := s.value.Set(rv.value); err != nil {
					errs = append(errs, fmt.Errorf("-%s: %w", f.Name, err))
				}
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Blob.Driver = strings.ToLower(strings.TrimSpace(c.Blob.Driver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Redis.Addrs = compact(c.Redis.Addrs)
	c.CORSOrigins = compact(c.CORSOrigins)
}

// Validate rejects incomplete driver settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("storage driver postgres requires a postgres DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Blob.Root) == "" {
			errs = append(errs, errors.New("blob driver file requires a root directory"))
		}
	case "minio", "s3":
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			errs = append(errs, fmt.Errorf("blob driver %s requires a bucket", c.Blob.Driver))
		}
		if c.Blob.Driver == "minio" && strings.TrimSpace(c.Blob.Endpoint) == "" {
			errs = append(errs, errors.New("blob driver minio requires an endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported blob driver %q", c.Blob.Driver))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("both TLS cert file and key file must be provided"))
	}
	if c.Identity.JWTSecret == "" && c.Identity.Header == "" {
		errs = append(errs, errors.New("configure a JWT secret or a trusted identity header"))
	}
	if c.Transcoder.Workers <= 0 {
		errs = append(errs, errors.New("transcoder workers must be positive"))
	}
	if c.Uploads.MaxChunkSize <= 0 || c.Uploads.MaxSize <= 0 {
		errs = append(errs, errors.New("upload size limits must be positive"))
	}
	if c.Uploads.ChannelQuota > 0 && c.Uploads.ChannelQuota < c.Uploads.MaxSize {
		errs = append(errs, errors.New("channel quota must not be smaller than the upload size limit"))
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func compact(values []string) []string {
	out := values[:0:0]
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
