package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/bayrolmeter/config.toml"

type appConfig struct {
	baseURL          string
	username         string
	password         string
	settingsPassword string
	cid              string
	httpPort         string
	debugMode        bool
	pollInterval     time.Duration

	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
}

// fileConfig mirrors the optional TOML config file. Flags and environment
// variables take precedence over file values.
type fileConfig struct {
	BaseURL             string `toml:"base_url"`
	Username            string `toml:"username"`
	Password            string `toml:"password"`
	SettingsPassword    string `toml:"settings_password"`
	CID                 string `toml:"cid"`
	HTTPPort            string `toml:"http_port"`
	Debug               bool   `toml:"debug"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	MQTT                struct {
		Broker      string `toml:"broker"`
		ClientID    string `toml:"client_id"`
		Username    string `toml:"username"`
		Password    string `toml:"password"`
		TopicPrefix string `toml:"topic_prefix"`
	} `toml:"mqtt"`
}

// loadConfigFile parses the TOML file at path. A missing file at the default
// location is not an error; an explicitly given path must exist.
func loadConfigFile(path string, explicit bool) (fileConfig, error) {
	var cfg fileConfig

	resolved, err := expandPath(path)
	if err != nil {
		return cfg, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("config path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}

func parseCommandLineFlags() *appConfig {
	configPath := flag.String("config", getEnvOrDefault("BAYROLMETER_CONFIG", defaultConfigPath),
		"Path to TOML config file (env: BAYROLMETER_CONFIG)")
	baseURL := flag.String("base-url", getEnvOrDefault("BAYROLMETER_BASE_URL", ""),
		"Bayrol Pool Access base URL (env: BAYROLMETER_BASE_URL)")
	username := flag.String("username", getEnvOrDefault("BAYROLMETER_USERNAME", ""),
		"Pool Access account email (env: BAYROLMETER_USERNAME)")
	password := flag.String("password", getEnvOrDefault("BAYROLMETER_PASSWORD", ""),
		"Pool Access account password (env: BAYROLMETER_PASSWORD)")
	settingsPassword := flag.String("settings-password", getEnvOrDefault("BAYROLMETER_SETTINGS_PASSWORD", ""),
		"Device settings password for write access (optional, env: BAYROLMETER_SETTINGS_PASSWORD)")
	cid := flag.String("cid", getEnvOrDefault("BAYROLMETER_CID", ""),
		"Controller ID (optional, will discover all controllers if not provided, env: BAYROLMETER_CID)")
	httpPort := flag.String("http-port", getEnvOrDefault("BAYROLMETER_HTTP_PORT", "8080"),
		"HTTP server port for metrics (env: BAYROLMETER_HTTP_PORT)")
	debugMode := flag.Bool("debug", getEnvOrDefault("BAYROLMETER_DEBUG", "false") == trueString,
		"Enable raw page capture and enhanced logging (env: BAYROLMETER_DEBUG)")
	pollIntervalSeconds := flag.Int("interval", func() int {
		if env := os.Getenv("BAYROLMETER_INTERVAL"); env != "" {
			if val, err := strconv.Atoi(env); err == nil {
				return val
			}
		}
		return defaultPollInterval
	}(), "Polling interval in seconds (env: BAYROLMETER_INTERVAL)")
	mqttBroker := flag.String("mqtt-broker", getEnvOrDefault("BAYROLMETER_MQTT_BROKER", ""),
		"MQTT broker URL, enables Home Assistant publishing (optional, env: BAYROLMETER_MQTT_BROKER)")
	mqttClientID := flag.String("mqtt-client-id", getEnvOrDefault("BAYROLMETER_MQTT_CLIENT_ID", ""),
		"MQTT client ID (env: BAYROLMETER_MQTT_CLIENT_ID)")
	mqttUsername := flag.String("mqtt-username", getEnvOrDefault("BAYROLMETER_MQTT_USERNAME", ""),
		"MQTT username (env: BAYROLMETER_MQTT_USERNAME)")
	mqttPassword := flag.String("mqtt-password", getEnvOrDefault("BAYROLMETER_MQTT_PASSWORD", ""),
		"MQTT password (env: BAYROLMETER_MQTT_PASSWORD)")
	mqttPrefix := flag.String("mqtt-prefix", getEnvOrDefault("BAYROLMETER_MQTT_PREFIX", ""),
		"MQTT state topic prefix (env: BAYROLMETER_MQTT_PREFIX)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		log.Printf("bayrolmeter %s", version)
		os.Exit(0)
	}

	explicitFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	file, err := loadConfigFile(*configPath, explicitFlags["config"] || os.Getenv("BAYROLMETER_CONFIG") != "")
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// File values fill in whatever flags and environment left unset.
	fillString := func(flagName, envVar string, target *string, fileValue string) {
		if !explicitFlags[flagName] && os.Getenv(envVar) == "" && fileValue != "" {
			*target = fileValue
		}
	}
	fillString("base-url", "BAYROLMETER_BASE_URL", baseURL, file.BaseURL)
	fillString("username", "BAYROLMETER_USERNAME", username, file.Username)
	fillString("password", "BAYROLMETER_PASSWORD", password, file.Password)
	fillString("settings-password", "BAYROLMETER_SETTINGS_PASSWORD", settingsPassword, file.SettingsPassword)
	fillString("cid", "BAYROLMETER_CID", cid, file.CID)
	fillString("http-port", "BAYROLMETER_HTTP_PORT", httpPort, file.HTTPPort)
	fillString("mqtt-broker", "BAYROLMETER_MQTT_BROKER", mqttBroker, file.MQTT.Broker)
	fillString("mqtt-client-id", "BAYROLMETER_MQTT_CLIENT_ID", mqttClientID, file.MQTT.ClientID)
	fillString("mqtt-username", "BAYROLMETER_MQTT_USERNAME", mqttUsername, file.MQTT.Username)
	fillString("mqtt-password", "BAYROLMETER_MQTT_PASSWORD", mqttPassword, file.MQTT.Password)
	fillString("mqtt-prefix", "BAYROLMETER_MQTT_PREFIX", mqttPrefix, file.MQTT.TopicPrefix)
	if !explicitFlags["debug"] && os.Getenv("BAYROLMETER_DEBUG") == "" && file.Debug {
		*debugMode = true
	}
	if !explicitFlags["interval"] && os.Getenv("BAYROLMETER_INTERVAL") == "" && file.PollIntervalSeconds > 0 {
		*pollIntervalSeconds = file.PollIntervalSeconds
	}

	if *username == "" || *password == "" {
		log.Fatalf("Username and password are required (--username/--password, BAYROLMETER_USERNAME/BAYROLMETER_PASSWORD, or config file)")
	}

	return &appConfig{
		baseURL:          *baseURL,
		username:         *username,
		password:         *password,
		settingsPassword: *settingsPassword,
		cid:              *cid,
		httpPort:         *httpPort,
		debugMode:        *debugMode,
		pollInterval:     clampPollInterval(*pollIntervalSeconds),
		mqttBroker:       *mqttBroker,
		mqttClientID:     *mqttClientID,
		mqttUsername:     *mqttUsername,
		mqttPassword:     *mqttPassword,
		mqttPrefix:       *mqttPrefix,
	}
}

// clampPollInterval enforces the minimum interval the cloud service tolerates.
func clampPollInterval(seconds int) time.Duration {
	if seconds < minPollInterval {
		log.Printf("Polling interval %ds is below the minimum, using %ds", seconds, minPollInterval)
		seconds = minPollInterval
	}
	return time.Duration(seconds) * time.Second
}
