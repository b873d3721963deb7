package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Listen string
		Port   int16
	}
	DB struct {
		// "sqlite" or "postgres"
		Driver           string
		ConnectionString string `yaml:"connectionString"`
	}
	Embeddings  Embeddings
	Extraction  Extraction
	Suggestions Suggestions
	Regenerate  Regenerate
	Log         Log
}

type Embeddings struct {
	// "openai" (or any OpenAI-compatible API) or "ollama"
	Provider string
	BaseURL  string `yaml:"baseURL"`
	Model    string
	APIKey   string `yaml:"apiKey"`
	// The length of every vector the model returns. Vectors of any other length are rejected.
	Dimensions int
	// Page text is truncated to this many tokens before it's sent to the model.
	MaxTokens int `yaml:"maxTokens"`
	// Upper bound on a single embedding request.
	Timeout time.Duration
}

type Extraction struct {
	Provider string
	BaseURL  string `yaml:"baseURL"`
	Model    string
	APIKey   string `yaml:"apiKey"`
	// Longest source text (in characters) accepted for anchor extraction.
	MaxTextLength int `yaml:"maxTextLength"`
	// Candidates must be shorter than this many characters.
	MaxPhraseLength int `yaml:"maxPhraseLength"`
	Timeout         time.Duration
}

type Suggestions struct {
	// Matches below this cosine similarity are dropped.
	SimilarityFloor float64 `yaml:"similarityFloor"`
	// Default (and upper bound) for the number of suggestions per anchor.
	MaxResults int `yaml:"maxResults"`
}

type Regenerate struct {
	// Whether embeddings should be regenerated on a schedule. Off by default; `easylink generate`
	// and the API cover the on-demand case.
	Enabled  bool
	Interval time.Duration
	// The crawl sessions to regenerate.
	Sessions []string
}

type Log struct {
	Level  string
	Format string
}

const (
	// Hard ceiling on suggestions per anchor, regardless of what the caller asks for.
	MaxSuggestions = 10
	// Hard ceiling on anchor candidates per extraction.
	MaxCandidates = 50
)

// Read loads the YAML file at `path`. Environment variables referenced as ${NAME}
// are expanded before the file is parsed.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	// Zero is a legitimate floor, so its default has to be in place before decoding.
	config := &Config{Suggestions: Suggestions{SimilarityFloor: 0.7}}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns a configuration with every default applied, for callers that
// don't have a config file (tests, mostly).
func Default() *Config {
	config := &Config{Suggestions: Suggestions{SimilarityFloor: 0.7}}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.ConnectionString == "" && c.DB.Driver == "sqlite" {
		c.DB.ConnectionString = "easylink.db"
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "openai"
	}
	if c.Embeddings.BaseURL == "" && c.Embeddings.Provider == "openai" {
		c.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.Dimensions == 0 {
		c.Embeddings.Dimensions = 1536
	}
	if c.Embeddings.MaxTokens == 0 {
		c.Embeddings.MaxTokens = 8000
	}
	if c.Embeddings.Timeout == 0 {
		c.Embeddings.Timeout = 30 * time.Second
	}

	if c.Extraction.Provider == "" {
		c.Extraction.Provider = c.Embeddings.Provider
	}
	if c.Extraction.BaseURL == "" {
		c.Extraction.BaseURL = c.Embeddings.BaseURL
	}
	if c.Extraction.APIKey == "" {
		c.Extraction.APIKey = c.Embeddings.APIKey
	}
	if c.Extraction.Model == "" {
		c.Extraction.Model = "gpt-4o-mini"
	}
	if c.Extraction.MaxTextLength == 0 {
		c.Extraction.MaxTextLength = 10000
	}
	if c.Extraction.MaxPhraseLength == 0 {
		c.Extraction.MaxPhraseLength = 50
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = 60 * time.Second
	}

	if c.Suggestions.MaxResults == 0 {
		c.Suggestions.MaxResults = MaxSuggestions
	}

	if c.Regenerate.Interval == 0 {
		c.Regenerate.Interval = 6 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if !slices.Contains([]string{"sqlite", "postgres"}, c.DB.Driver) {
		return fmt.Errorf("unknown database driver: %v. Valid drivers include: sqlite, postgres", c.DB.Driver)
	}
	for _, provider := range []string{c.Embeddings.Provider, c.Extraction.Provider} {
		if !slices.Contains([]string{"openai", "ollama"}, provider) {
			return fmt.Errorf("unknown model provider: %v. Valid providers include: openai, ollama", provider)
		}
	}
	if c.Embeddings.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %v", c.Embeddings.Dimensions)
	}
	if c.Embeddings.MaxTokens < 1 {
		return fmt.Errorf("embeddings.maxTokens must be positive, got %v", c.Embeddings.MaxTokens)
	}
	if c.Extraction.MaxTextLength < 1 {
		return fmt.Errorf("extraction.maxTextLength must be positive, got %v", c.Extraction.MaxTextLength)
	}
	if c.Extraction.MaxPhraseLength < 4 {
		return fmt.Errorf("extraction.maxPhraseLength must be at least 4, got %v", c.Extraction.MaxPhraseLength)
	}
	if c.Suggestions.SimilarityFloor < 0 || c.Suggestions.SimilarityFloor > 1 {
		return fmt.Errorf("suggestions.similarityFloor must be between 0 and 1, got %v", c.Suggestions.SimilarityFloor)
	}
	if c.Suggestions.MaxResults < 1 || c.Suggestions.MaxResults > MaxSuggestions {
		return fmt.Errorf("suggestions.maxResults must be between 1 and %v, got %v", MaxSuggestions, c.Suggestions.MaxResults)
	}
	if c.Embeddings.Timeout < 0 || c.Extraction.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Regenerate.Enabled {
		if c.Regenerate.Interval < time.Minute {
			return fmt.Errorf("regenerate.interval must be at least one minute, got %v", c.Regenerate.Interval)
		}
		if len(c.Regenerate.Sessions) == 0 {
			return fmt.Errorf("regenerate is enabled but no sessions are listed")
		}
	}
	return nil
}
