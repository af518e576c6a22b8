package config

import (
	"strconv"
	"strings"
	"time"
)

// setting binds one flag and its environment variable to a Config field.
type setting struct {
	flag   string
	usage  string
	value  fieldValue
	isBool bool
}

type fieldValue interface {
	Set(string) error
}

// env derives the variable name from the flag: "postgres-dsn" reads
// FRAMEPROOF_POSTGRES_DSN.
func (s setting) env() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.flag, "-", "_"))
}

func bindSettings(c *Config) []setting {
	return []setting{
		str("addr", "HTTP listen address", &c.Addr),
		str("log-level", "log level (debug, info, warn, error)", &c.LogLevel),
		str("log-format", "log format (json or text)", &c.LogFormat),
		dur("shutdown-timeout", "graceful shutdown bound", &c.ShutdownTimeout),
		list("cors-origins", "comma separated browser origins allowed cross-site", &c.CORSOrigins),
		str("tls-cert", "path to TLS certificate file", &c.TLS.CertFile),
		str("tls-key", "path to TLS private key file", &c.TLS.KeyFile),

		str("storage-driver", "datastore driver (memory or postgres)", &c.Storage.Driver),
		str("postgres-dsn", "Postgres connection string", &c.Storage.PostgresDSN),
		integer("postgres-max-conns", "maximum connections in the Postgres pool", &c.Storage.MaxConns),
		integer("postgres-min-conns", "minimum idle connections in the Postgres pool", &c.Storage.MinConns),
		dur("postgres-acquire-timeout", "timeout when acquiring a pooled connection", &c.Storage.AcquireTimeout),
		str("postgres-app-name", "application_name reported to Postgres", &c.Storage.AppName),
		boolean("migrate-on-start", "apply embedded migrations before serving", &c.Storage.MigrateOnStart),

		str("blob-driver", "blob store driver (memory, file, minio or s3)", &c.Blob.Driver),
		str("blob-root", "root directory for the file blob store", &c.Blob.Root),
		str("blob-endpoint", "object storage endpoint", &c.Blob.Endpoint),
		str("blob-region", "object storage region", &c.Blob.Region),
		str("blob-access-key", "object storage access key", &c.Blob.AccessKey),
		str("blob-secret-key", "object storage secret key", &c.Blob.SecretKey),
		str("blob-bucket", "object storage bucket", &c.Blob.Bucket),
		boolean("blob-use-ssl", "enable TLS for object storage requests", &c.Blob.UseSSL),
		str("blob-prefix", "object key prefix", &c.Blob.Prefix),
		str("blob-public-endpoint", "public endpoint used for playback URLs", &c.Blob.PublicEndpoint),

		list("redis-addrs", "comma separated Redis addresses for the relay and rate limiter", &c.Redis.Addrs),
		str("redis-username", "Redis username", &c.Redis.Username),
		str("redis-password", "Redis password", &c.Redis.Password),
		str("redis-stream", "Redis stream carrying cross-node events", &c.Redis.Stream),
		str("node-id", "identifier of this node on the relay", &c.Redis.NodeID),

		str("jwt-secret", "HS256 secret for bearer tokens", &c.Identity.JWTSecret),
		str("jwt-issuer", "required token issuer", &c.Identity.JWTIssuer),
		str("jwt-audience", "required token audience", &c.Identity.JWTAudience),
		str("identity-header", "trusted proxy header carrying the caller", &c.Identity.Header),
		boolean("allow-all", "skip membership checks (development only)", &c.Identity.AllowAll),

		str("transcoder-url", "transcoder service base URL; empty uses the passthrough transcoder", &c.Transcoder.URL),
		str("transcoder-token", "bearer token sent to the transcoder", &c.Transcoder.Token),
		str("transcoder-callback-url", "public URL of the transcoder webhook", &c.Transcoder.CallbackURL),
		str("transcoder-callback-secret", "shared secret expected on transcoder webhooks", &c.Transcoder.CallbackSecret),
		dur("transcoder-passthrough-delay", "simulated encoding time of the passthrough transcoder", &c.Transcoder.PassthroughDelay),
		integer("encoding-workers", "concurrent transcoder submissions", &c.Transcoder.Workers),
		dur("encoding-timeout", "time an asset may stay in processing", &c.Transcoder.Timeout),

		int64Val("upload-max-size", "largest accepted upload in bytes", &c.Uploads.MaxSize),
		int64Val("upload-channel-quota", "bytes a channel may hold across uploads", &c.Uploads.ChannelQuota),
		int64Val("upload-max-chunk", "largest accepted chunk in bytes", &c.Uploads.MaxChunkSize),
		dur("upload-inactivity", "idle time before an upload session expires", &c.Uploads.InactivityTimeout),
		dur("upload-sweep-interval", "interval between upload expiry passes", &c.Uploads.SweepInterval),

		dur("heartbeat-timeout", "presence expiry without heartbeats", &c.Realtime.HeartbeatTimeout),
		integer("stream-buffer", "per-connection event queue size", &c.Realtime.StreamBuffer),
		dur("ws-heartbeat", "WebSocket ping interval", &c.Realtime.WebSocketHeartbeat),
		dur("channel-idle-ttl", "idle time before a channel session is released", &c.Realtime.ChannelIdleTTL),

		float("rate-global-rps", "global request rate limit", &c.RateLimit.GlobalRPS),
		integer("rate-global-burst", "global rate limit burst", &c.RateLimit.GlobalBurst),
		float("rate-client-rps", "per-client request rate limit", &c.RateLimit.ClientRPS),
		integer("rate-client-burst", "per-client burst", &c.RateLimit.ClientBurst),
		integer("rate-write-limit", "mutating requests per client per window", &c.RateLimit.WriteLimit),
		dur("rate-write-window", "window for the write limit", &c.RateLimit.WriteWindow),
	}
}

// rawValue captures a flag's text so it can be applied after the file and
// environment layers.
type rawValue struct {
	value  string
	isBool bool
}

func (r *rawValue) String() string { return r.value }

func (r *rawValue) Set(v string) error {
	r.value = v
	return nil
}

func (r *rawValue) IsBoolFlag() bool { return r.isBool }

type setFunc func(string) error

func (f setFunc) Set(v string) error { return f(v) }

func str(name, usage string, target *string) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		*target = strings.TrimSpace(v)
		return nil
	})}
}

func list(name, usage string, target *[]string) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		*target = compact(strings.Split(v, ","))
		return nil
	})}
}

func integer(name, usage string, target *int) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	})}
}

func int64Val(name, usage string, target *int64) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	})}
}

func float(name, usage string, target *float64) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	})}
}

func dur(name, usage string, target *Duration) setting {
	return setting{flag: name, usage: usage, value: setFunc(func(v string) error {
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*target = Duration(parsed)
		return nil
	})}
}

func boolean(name, usage string, target *bool) setting {
	return setting{flag: name, usage: usage, isBool: true, value: setFunc(func(v string) error {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	})}
}
