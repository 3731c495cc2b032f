package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/rpattn/toponymdb/internal/db"
)

// Config collects everything the server binary needs.
type Config struct {
	Database db.Config
	// Storage selects the backend: "postgres" or "memory".
	Storage        string
	ListenAddr     string
	AllowedOrigins []string
	ExportDir      string
	MigrationsPath string
}

// Default returns the configuration used when no config file or environment
// overrides are present.
func Default() Config {
	return Config{
		Database:       db.DefaultConfig(),
		Storage:        "postgres",
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"http://localhost:3000"},
		ExportDir:      "./exports",
		MigrationsPath: "./migrations",
	}
}

// Load reads config.yaml from configPath with environment overrides
// (TOPONYMDB_DATABASE_HOST and friends).
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "."
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("TOPONYMDB")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("storage")
	v.BindEnv("server.listen")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("storage") {
		cfg.Storage = v.GetString("storage")
	}
	if v.IsSet("server.listen") {
		cfg.ListenAddr = v.GetString("server.listen")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("export.dir") {
		cfg.ExportDir = v.GetString("export.dir")
	}
	if v.IsSet("migrations.path") {
		cfg.MigrationsPath = v.GetString("migrations.path")
	}

	switch cfg.Storage {
	case "postgres", "memory":
	default:
		return cfg, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	return cfg, nil
}
