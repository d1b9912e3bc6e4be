package config

import (
	"os"
	"strconv"
)

func loadProductionConfig(cfg *Config) {
	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err == nil {
		cfg.ServerPort = port
	}

	cfg.DatabaseFilePath = "/config/data.sqlite"
	cfg.DataDir = "/data"

	if dir := os.Getenv("DATA_DIRECTORY"); dir != "" {
		cfg.DataDir = dir
	}
	if path := os.Getenv("DATABASE_FILE_PATH"); path != "" {
		cfg.DatabaseFilePath = path
	}
}
