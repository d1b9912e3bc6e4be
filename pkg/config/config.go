package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	DatabaseConnectRetryCount int
	DatabaseConnectRetryDelay time.Duration
	DatabaseBusyTimeout       time.Duration
	DatabaseDebug             bool
	DatabaseFilePath          string
	DatabaseMaxRetries        int

	// DataDir is the root of the date-sharded JSON history log. Shards live at
	// {DataDir}/history/{YYYY}/{MM}/{DD}.json, backups and reports beneath it.
	DataDir string

	// Timezone is the IANA zone used to assign records to calendar days. It is
	// loaded once into Location so day boundaries never depend on the host clock.
	Timezone string
	Location *time.Location

	RemoteBaseURL     string
	RemoteCookie      string
	IngestPageSize    int
	IngestPageDelay   time.Duration
	IngestDupeCutoff  int

	Hostname        string
	ServerHost      string
	ServerPort      int
	WorkerProcesses int
}

const environmentENV = "ENVIRONMENT"

func New() (*Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{
		DatabaseConnectRetryCount: 5,
		DatabaseConnectRetryDelay: 2 * time.Second,
		DatabaseBusyTimeout:       5 * time.Second,
		DatabaseMaxRetries:        3,
		Timezone:                  "Asia/Shanghai",
		RemoteBaseURL:             "https://api.bilibili.com",
		IngestPageSize:            30,
		IngestPageDelay:           time.Second,
		IngestDupeCutoff:          30,
		Hostname:                  hostname,
		ServerPort:                6064,
		WorkerProcesses:           2,
	}

	switch os.Getenv(environmentENV) {
	case "development", "":
		loadDevelopmentConfig(cfg)
	case "test":
		loadTestConfig(cfg)
	case "production":
		loadProductionConfig(cfg)
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}
	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", cfg.Timezone)
	}

	if cookie := os.Getenv("REMOTE_COOKIE"); cookie != "" {
		cfg.RemoteCookie = cookie
	}

	return cfg, nil
}

// ShardRoot is the directory holding the date-sharded JSON log.
func (cfg *Config) ShardRoot() string {
	return cfg.DataDir + "/history"
}

// BackupRoot is where replaced shards are copied before being overwritten.
func (cfg *Config) BackupRoot() string {
	return cfg.DataDir + "/backups"
}

// ReportDir is where sync results and audit reports are written.
func (cfg *Config) ReportDir() string {
	return cfg.DataDir + "/reports"
}
