package config

import "time"

func loadTestConfig(cfg *Config) {
	cfg.DatabaseFilePath = ":memory:"
	cfg.DataDir = "./tmp/test-data"
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = 0
	cfg.IngestPageDelay = 0
}

// NewForTest returns a config for tests. It never reads the environment so
// parallel tests stay deterministic.
func NewForTest() *Config {
	cfg := &Config{
		DatabaseConnectRetryCount: 1,
		DatabaseConnectRetryDelay: 10 * time.Millisecond,
		DatabaseBusyTimeout:       5 * time.Second,
		DatabaseMaxRetries:        3,
		Timezone:                  "UTC",
		Location:                  time.UTC,
		RemoteBaseURL:             "http://127.0.0.1",
		IngestPageSize:            30,
		IngestDupeCutoff:          30,
		Hostname:                  "test",
		WorkerProcesses:           1,
	}
	loadTestConfig(cfg)
	return cfg
}
