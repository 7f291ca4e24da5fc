package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL        string
	FastModel      string
	SynthesisModel string
	EmbedModel     string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK            int
	SimilarityFloor float64
}

type WorkerConfig struct {
	CandidateThreshold float64
	PollInterval       string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			FastModel:      "phi3.5",
			SynthesisModel: "mistral-nemo",
			EmbedModel:     "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			SimilarityFloor: 0.35,
		},
		Worker: WorkerConfig{
			CandidateThreshold: 0.7,
			PollInterval:       "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/engram/config.json, then applies ENGRAM_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// WorkerPollInterval parses the configured poll interval, falling back
// to 500ms when the value is unparseable.
func (c Config) WorkerPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Worker.PollInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}
