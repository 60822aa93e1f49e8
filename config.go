package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"time"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	DB   string `json:"db"`   // database connection string
	Dev  bool   `json:"dev"`  // dev mode: verbose logging, db dumps on errors
	Addr string `json:"addr"` // HTTP listen address

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir"`
	LogRequests  bool   `json:"log_requests"`
	LogDB        bool   `json:"log_db"`
	LogWS        bool   `json:"log_ws"`
	LogDebug     bool   `json:"log_debug"`

	// Game rules
	TotalRounds      int  `json:"total_rounds"`
	MaxPlayers       int  `json:"max_players"`
	NightDurationMS  int  `json:"night_duration_ms"`
	DayDurationMS    int  `json:"day_duration_ms"`
	BotDelayMS       int  `json:"bot_delay_ms"`
	ResolveTickMS    int  `json:"resolve_tick_ms"`
	PrivateDetective bool `json:"private_detective"` // detective result only visible to the detective

	// Bot policy
	BotProvider    string `json:"bot_provider"`    // ollama | openai | claude | gemini | groq | openai-compatible
	BotModel       string `json:"bot_model"`       // model name
	BotOllamaURL   string `json:"bot_ollama_url"`  // Ollama server URL
	BotURL         string `json:"bot_url"`         // base URL for openai-compatible
	BotAPIKey      string `json:"bot_api_key"`     // API key for openai-compatible
	BotTemperature string `json:"bot_temperature"` // float 0-1 as string
	BotThinking    string `json:"bot_thinking"`    // none | low | medium | high | auto
	GroqAPIKey     string `json:"groq_api_key"`    // API key for groq provider
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogDB:       cfg.LogDB,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug,
	}
}

func (cfg AppConfig) toRules() Rules {
	rules := defaultRules()
	if cfg.TotalRounds > 0 {
		rules.TotalRounds = cfg.TotalRounds
	}
	if cfg.MaxPlayers > 0 {
		rules.MaxPlayers = cfg.MaxPlayers
	}
	if cfg.NightDurationMS > 0 {
		rules.NightDuration = time.Duration(cfg.NightDurationMS) * time.Millisecond
	}
	if cfg.DayDurationMS > 0 {
		rules.DayDuration = time.Duration(cfg.DayDurationMS) * time.Millisecond
	}
	if cfg.BotDelayMS > 0 {
		rules.BotDelay = time.Duration(cfg.BotDelayMS) * time.Millisecond
	}
	if cfg.ResolveTickMS > 0 {
		rules.ResolveTick = time.Duration(cfg.ResolveTickMS) * time.Millisecond
	}
	rules.PrivateDetective = cfg.PrivateDetective
	return rules
}

func defaultConfig() AppConfig {
	rules := defaultRules()
	return AppConfig{
		DB:               "file::memory:?cache=shared",
		Addr:             ":8080",
		TotalRounds:      rules.TotalRounds,
		MaxPlayers:       rules.MaxPlayers,
		NightDurationMS:  int(rules.NightDuration.Milliseconds()),
		DayDurationMS:    int(rules.DayDuration.Milliseconds()),
		BotDelayMS:       int(rules.BotDelay.Milliseconds()),
		ResolveTickMS:    int(rules.ResolveTick.Milliseconds()),
		PrivateDetective: rules.PrivateDetective,
		BotOllamaURL:     "http://localhost:11434",
	}
}

// loadConfig builds a config by layering: defaults → env vars → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after flag.Parse.
func loadConfig(configPath string) AppConfig {
	cfg := defaultConfig()

	// Layer 1: env vars
	envStr := os.Getenv
	envBool := func(key string) (val bool, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return false, false
		}
		return v == "1" || v == "true" || v == "yes", true
	}
	envInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Config: invalid %s=%q: %v", key, v, err)
			return
		}
		*dst = n
	}

	if v := envStr("DB"); v != "" {
		cfg.DB = v
	}
	if v, ok := envBool("DEV"); ok {
		cfg.Dev = v
	}
	if v := envStr("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := envStr("LOG_OUTPUT_DIR"); v != "" {
		cfg.LogOutputDir = v
	}
	if v, ok := envBool("LOG_REQUESTS"); ok {
		cfg.LogRequests = v
	}
	if v, ok := envBool("LOG_DB"); ok {
		cfg.LogDB = v
	}
	if v, ok := envBool("LOG_WS"); ok {
		cfg.LogWS = v
	}
	if v, ok := envBool("LOG_DEBUG"); ok {
		cfg.LogDebug = v
	}
	envInt("TOTAL_ROUNDS", &cfg.TotalRounds)
	envInt("MAX_PLAYERS", &cfg.MaxPlayers)
	envInt("NIGHT_DURATION_MS", &cfg.NightDurationMS)
	envInt("DAY_DURATION_MS", &cfg.DayDurationMS)
	envInt("BOT_DELAY_MS", &cfg.BotDelayMS)
	envInt("RESOLVE_TICK_MS", &cfg.ResolveTickMS)
	if v, ok := envBool("PRIVATE_DETECTIVE"); ok {
		cfg.PrivateDetective = v
	}
	if v := envStr("BOT_PROVIDER"); v != "" {
		cfg.BotProvider = v
	}
	if v := envStr("BOT_MODEL"); v != "" {
		cfg.BotModel = v
	}
	if v := envStr("BOT_OLLAMA_URL"); v != "" {
		cfg.BotOllamaURL = v
	}
	if v := envStr("BOT_URL"); v != "" {
		cfg.BotURL = v
	}
	if v := envStr("BOT_API_KEY"); v != "" {
		cfg.BotAPIKey = v
	}
	if v := envStr("BOT_TEMPERATURE"); v != "" {
		cfg.BotTemperature = v
	}
	if v := envStr("BOT_THINKING"); v != "" {
		cfg.BotThinking = v
	}
	if v := envStr("GROQ_API_KEY"); v != "" {
		cfg.GroqAPIKey = v
	}

	// Layer 2: JSON config file: only fields present in the file override env vars
	if data, err := os.ReadFile(configPath); err == nil {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("Config: failed to parse %s: %v", configPath, err)
		} else {
			applyJSONOverlay(&cfg, overlay)
			log.Printf("Config: loaded from %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	return cfg
}

// applyJSONOverlay only sets fields that are explicitly present in the JSON map.
func applyJSONOverlay(cfg *AppConfig, m map[string]json.RawMessage) {
	str := func(key string, dst *string) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	str("db", &cfg.DB)
	boolean("dev", &cfg.Dev)
	str("addr", &cfg.Addr)
	str("log_output_dir", &cfg.LogOutputDir)
	boolean("log_requests", &cfg.LogRequests)
	boolean("log_db", &cfg.LogDB)
	boolean("log_ws", &cfg.LogWS)
	boolean("log_debug", &cfg.LogDebug)
	integer("total_rounds", &cfg.TotalRounds)
	integer("max_players", &cfg.MaxPlayers)
	integer("night_duration_ms", &cfg.NightDurationMS)
	integer("day_duration_ms", &cfg.DayDurationMS)
	integer("bot_delay_ms", &cfg.BotDelayMS)
	integer("resolve_tick_ms", &cfg.ResolveTickMS)
	boolean("private_detective", &cfg.PrivateDetective)
	str("bot_provider", &cfg.BotProvider)
	str("bot_model", &cfg.BotModel)
	str("bot_ollama_url", &cfg.BotOllamaURL)
	str("bot_url", &cfg.BotURL)
	str("bot_api_key", &cfg.BotAPIKey)
	str("bot_temperature", &cfg.BotTemperature)
	str("bot_thinking", &cfg.BotThinking)
	str("groq_api_key", &cfg.GroqAPIKey)
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath       *string
	db               *string
	dev              *bool
	addr             *string
	logOutputDir     *string
	logRequests      *bool
	logDB            *bool
	logWS            *bool
	logDebug         *bool
	totalRounds      *int
	maxPlayers       *int
	nightDurationMS  *int
	dayDurationMS    *int
	botDelayMS       *int
	resolveTickMS    *int
	privateDetective *bool
	botProvider      *string
	botModel         *string
	botOllamaURL     *string
	botURL           *string
	botAPIKey        *string
	botTemperature   *string
	botThinking      *string
	groqAPIKey       *string
}

// registerFlags registers all CLI flags on fs and returns pointers to their values.
// Parse fs after this, then applyTo to layer them over the loaded config.
func registerFlags(fs *flag.FlagSet) flagValues {
	return flagValues{
		configPath:       fs.String("config", "config.json", "path to JSON config file"),
		db:               fs.String("db", "", "database connection string"),
		dev:              fs.Bool("dev", false, "enable development mode (verbose logging, db dumps on error)"),
		addr:             fs.String("addr", "", "HTTP listen address (e.g. :8080)"),
		logOutputDir:     fs.String("log-output-dir", "", "directory for extended log files"),
		logRequests:      fs.Bool("log-requests", false, "log HTTP requests and responses"),
		logDB:            fs.Bool("log-db", false, "log database dumps"),
		logWS:            fs.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:         fs.Bool("log-debug", false, "enable debug logging"),
		totalRounds:      fs.Int("total-rounds", 0, "rounds per game"),
		maxPlayers:       fs.Int("max-players", 0, "maximum players per game"),
		nightDurationMS:  fs.Int("night-duration-ms", 0, "night phase length in milliseconds"),
		dayDurationMS:    fs.Int("day-duration-ms", 0, "day phase length in milliseconds"),
		botDelayMS:       fs.Int("bot-delay-ms", 0, "delay before bots act in a phase, in milliseconds"),
		resolveTickMS:    fs.Int("resolve-tick-ms", 0, "retry interval of the phase timer, in milliseconds"),
		privateDetective: fs.Bool("private-detective", true, "show detective results to the detective only"),
		botProvider:      fs.String("bot-provider", "", "bot language model provider (ollama|openai|claude|gemini|groq|openai-compatible)"),
		botModel:         fs.String("bot-model", "", "bot language model name"),
		botOllamaURL:     fs.String("bot-ollama-url", "", "Ollama server URL"),
		botURL:           fs.String("bot-url", "", "base URL for openai-compatible provider"),
		botAPIKey:        fs.String("bot-api-key", "", "API key for bot provider"),
		botTemperature:   fs.String("bot-temperature", "", "sampling temperature 0-1"),
		botThinking:      fs.String("bot-thinking", "", "thinking mode: none|low|medium|high|auto"),
		groqAPIKey:       fs.String("groq-api-key", "", "Groq API key"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(fs *flag.FlagSet, cfg *AppConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = *fv.db
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-db":
			cfg.LogDB = *fv.logDB
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "total-rounds":
			cfg.TotalRounds = *fv.totalRounds
		case "max-players":
			cfg.MaxPlayers = *fv.maxPlayers
		case "night-duration-ms":
			cfg.NightDurationMS = *fv.nightDurationMS
		case "day-duration-ms":
			cfg.DayDurationMS = *fv.dayDurationMS
		case "bot-delay-ms":
			cfg.BotDelayMS = *fv.botDelayMS
		case "resolve-tick-ms":
			cfg.ResolveTickMS = *fv.resolveTickMS
		case "private-detective":
			cfg.PrivateDetective = *fv.privateDetective
		case "bot-provider":
			cfg.BotProvider = *fv.botProvider
		case "bot-model":
			cfg.BotModel = *fv.botModel
		case "bot-ollama-url":
			cfg.BotOllamaURL = *fv.botOllamaURL
		case "bot-url":
			cfg.BotURL = *fv.botURL
		case "bot-api-key":
			cfg.BotAPIKey = *fv.botAPIKey
		case "bot-temperature":
			cfg.BotTemperature = *fv.botTemperature
		case "bot-thinking":
			cfg.BotThinking = *fv.botThinking
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		}
	})
}
