package main

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"prism-board/hub"
)

// Config keys. Each is bound to the upper-case environment variable of the
// same name.
const (
	cfgStorageConn   = "storage_connection_string"
	cfgTasksTable    = "tasks_table"
	cfgColumnsTable  = "columns_table"
	cfgRedisConn     = "redis_connection_string"
	cfgAuthDomain    = "auth0_domain"
	cfgAuthAudience  = "auth0_audience"
	cfgAuthTestMode  = "auth0_test_mode"
	cfgTestSecret    = "test_jwt_secret"
	cfgJWKSCacheTTL  = "jwks_cache_ttl"
	cfgUploadDir     = "upload_dir"
	cfgUploadMax     = "upload_max_bytes"
	cfgPort          = "port"
	cfgDebug         = "debug"
	cfgAllowOrigins  = "allowed_origins"
	cfgThreadLogSize = "thread_log_size"
	cfgSeqTTL        = "seq_ttl"
)

type config struct {
	StorageConn   string
	TasksTable    string
	ColumnsTable  string
	RedisConn     string
	AuthDomain    string
	AuthAudience  string
	AuthTestMode  bool
	TestSecret    string
	JWKSCacheTTL  time.Duration
	UploadDir     string
	UploadMax     int64
	Port          string
	Debug         bool
	AllowOrigins  []string
	ThreadLogSize int
	SeqTTL        time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(cfgTasksTable, "BoardTasks")
	v.SetDefault(cfgColumnsTable, "BoardColumns")
	v.SetDefault(cfgJWKSCacheTTL, hub.DefaultKeyCacheTTL)
	v.SetDefault(cfgUploadDir, "uploads")
	v.SetDefault(cfgUploadMax, hub.DefaultUploadMaxBytes)
	v.SetDefault(cfgPort, "8080")
	v.SetDefault(cfgThreadLogSize, 500)
	v.SetDefault(cfgSeqTTL, 24*time.Hour)
	v.AutomaticEnv()
	return v
}

// bindFlags lets command line flags override the environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bErr := v.BindPFlag(key, f); bErr != nil && err == nil {
			err = bErr
		}
	})
	return err
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		StorageConn:   v.GetString(cfgStorageConn),
		TasksTable:    v.GetString(cfgTasksTable),
		ColumnsTable:  v.GetString(cfgColumnsTable),
		RedisConn:     v.GetString(cfgRedisConn),
		AuthDomain:    v.GetString(cfgAuthDomain),
		AuthAudience:  v.GetString(cfgAuthAudience),
		AuthTestMode:  v.GetBool(cfgAuthTestMode),
		TestSecret:    v.GetString(cfgTestSecret),
		JWKSCacheTTL:  v.GetDuration(cfgJWKSCacheTTL),
		UploadDir:     v.GetString(cfgUploadDir),
		UploadMax:     v.GetInt64(cfgUploadMax),
		Port:          v.GetString(cfgPort),
		Debug:         v.GetBool(cfgDebug),
		AllowOrigins:  v.GetStringSlice(cfgAllowOrigins),
		ThreadLogSize: v.GetInt(cfgThreadLogSize),
		SeqTTL:        v.GetDuration(cfgSeqTTL),
	}
	if cfg.RedisConn == "" {
		return cfg, fmt.Errorf("missing redis config: set REDIS_CONNECTION_STRING")
	}
	if cfg.AuthTestMode {
		if cfg.TestSecret == "" {
			return cfg, fmt.Errorf("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	} else if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
		return cfg, fmt.Errorf("missing Auth0 config: set AUTH0_DOMAIN and AUTH0_AUDIENCE")
	}
	if cfg.UploadMax <= 0 {
		return cfg, fmt.Errorf("invalid UPLOAD_MAX_BYTES: must be greater than zero")
	}
	if cfg.JWKSCacheTTL <= 0 {
		return cfg, fmt.Errorf("invalid JWKS_CACHE_TTL: must be greater than zero")
	}
	return cfg, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, val, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = val
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(val), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
