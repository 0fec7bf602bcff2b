package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageDriverSqlite = "sqlite"
	StorageDriverMemory = "memory"
)

type Config struct {
	Name     string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"policyflow"` // used for OTEL as an application identifier
	LogLevel string  `yaml:"logLevel" json:"logLevel" env:"LOG_LEVEL" env-default:"info"`
	Server   Server  `yaml:"server" json:"server"` // configuration of the public REST server
	Storage  Storage `yaml:"storage" json:"storage"`
	Engine   Engine  `yaml:"engine" json:"engine"`
	Tracing  Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Storage struct {
	// Driver selects the storage backend: "sqlite" or "memory"
	Driver string `yaml:"driver" json:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	// Path of the sqlite database file, ignored for the memory driver
	Path string `yaml:"path" json:"path" env:"STORAGE_PATH" env-default:"policyflow.db"`
}

type Engine struct {
	// LeaseDuration is how long an activated job stays leased to a worker
	LeaseDuration time.Duration `yaml:"leaseDuration" json:"leaseDuration" env:"ENGINE_LEASE_DURATION" env-default:"5m"`
	// SweepInterval is how often expired leases are returned to the queue
	SweepInterval time.Duration `yaml:"sweepInterval" json:"sweepInterval" env:"ENGINE_SWEEP_INTERVAL" env-default:"30s"`
	// SeedDir, when set, holds definition and decision table files
	// deployed at startup
	SeedDir string `yaml:"seedDir" json:"seedDir" env:"ENGINE_SEED_DIR"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
