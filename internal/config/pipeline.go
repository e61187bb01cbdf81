package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig carries the tunable policy of the discovery-to-posting pipeline.
type PipelineConfig struct {
	Scoring    ScoringPolicy    `mapstructure:"scoring"`
	Discovery  DiscoveryPolicy  `mapstructure:"discovery"`
	Generation GenerationPolicy `mapstructure:"generation"`
	Posting    PostingPolicy    `mapstructure:"posting"`
	Review     ReviewPolicy     `mapstructure:"review"`
}

type ScoringPolicy struct {
	SkipThreshold         float64 `mapstructure:"skipThreshold"`
	AutoGenerateThreshold float64 `mapstructure:"autoGenerateThreshold"`
}

type DiscoveryPolicy struct {
	SeenTTL         time.Duration `mapstructure:"seenTTL"`
	ProgressTTL     time.Duration `mapstructure:"progressTTL"`
	ScoutInterval   time.Duration `mapstructure:"scoutInterval"`
	ScoutTopN       int           `mapstructure:"scoutTopN"`
	FanOut          int           `mapstructure:"fanOut"`
	SearchSort      string        `mapstructure:"searchSort"`
	SearchTimeframe string        `mapstructure:"searchTimeframe"`
}

type GenerationPolicy struct {
	Temperatures  []float32 `mapstructure:"temperatures"`
	BannedPhrases []string  `mapstructure:"bannedPhrases"`
	Personas      []Persona `mapstructure:"personas"`
}

type Persona struct {
	Name  string `mapstructure:"name"`
	Voice string `mapstructure:"voice"`
}

type PostingPolicy struct {
	JitterMin          time.Duration `mapstructure:"jitterMin"`
	JitterMax          time.Duration `mapstructure:"jitterMax"`
	FirstTrackingDelay time.Duration `mapstructure:"firstTrackingDelay"`
	AutoPauseThreshold int           `mapstructure:"autoPauseThreshold"`
	AutoPauseWindow    time.Duration `mapstructure:"autoPauseWindow"`
}

type ReviewPolicy struct {
	ExpireAfter time.Duration `mapstructure:"expireAfter"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Scoring: ScoringPolicy{
			SkipThreshold:         0.4,
			AutoGenerateThreshold: 0.5,
		},
		Discovery: DiscoveryPolicy{
			SeenTTL:         30 * 24 * time.Hour,
			ProgressTTL:     5 * time.Minute,
			ScoutInterval:   30 * time.Minute,
			ScoutTopN:       20,
			FanOut:          5,
			SearchSort:      "relevance",
			SearchTimeframe: "month",
		},
		Generation: GenerationPolicy{
			Temperatures: []float32{0.7, 1.0},
			BannedPhrases: []string{
				"game changer",
				"game-changer",
				"revolutionary",
				"cutting-edge",
				"best-in-class",
				"seamless",
				"unlock the power",
				"take it to the next level",
				"check it out",
				"highly recommend",
				"sign up today",
				"limited time",
			},
			Personas: []Persona{
				{Name: "practitioner", Voice: "a hands-on practitioner sharing what worked for them, casual and specific"},
				{Name: "skeptic", Voice: "a pragmatic user who compares options honestly and mentions trade-offs"},
				{Name: "helper", Voice: "a friendly regular who answers the question first and keeps it short"},
			},
		},
		Posting: PostingPolicy{
			JitterMin:          30 * time.Second,
			JitterMax:          330 * time.Second,
			FirstTrackingDelay: 2 * time.Hour,
			AutoPauseThreshold: 3,
			AutoPauseWindow:    time.Hour,
		},
		Review: ReviewPolicy{
			ExpireAfter: 7 * 24 * time.Hour,
		},
	}
}

// PipelineConfigHolder serves the latest valid pipeline policy.
type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

// NewStaticPipelineConfigHolder wraps a fixed policy, mostly for tests.
func NewStaticPipelineConfigHolder(cfg PipelineConfig) *PipelineConfigHolder {
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPipelineConfigHolder(cfg Config) (*PipelineConfigHolder, error) {
	v := viper.New()

	if cfg.PipelineConfigPath != "" {
		v.SetConfigFile(cfg.PipelineConfigPath)
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/threadscout")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("THREADSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPipelineDefaults(v, DefaultPipelineConfig())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	current, err := decodePipelineConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPipelineConfigHolder(current)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePipelineConfig(v)
		if err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pipeline-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PipelineConfigHolder) Get() PipelineConfig {
	if h == nil {
		return DefaultPipelineConfig()
	}
	cfg, ok := h.current.Load().(PipelineConfig)
	if !ok {
		return DefaultPipelineConfig()
	}
	return cfg
}

func setPipelineDefaults(v *viper.Viper, d PipelineConfig) {
	v.SetDefault("scoring.skipThreshold", d.Scoring.SkipThreshold)
	v.SetDefault("scoring.autoGenerateThreshold", d.Scoring.AutoGenerateThreshold)
	v.SetDefault("discovery.seenTTL", d.Discovery.SeenTTL)
	v.SetDefault("discovery.progressTTL", d.Discovery.ProgressTTL)
	v.SetDefault("discovery.scoutInterval", d.Discovery.ScoutInterval)
	v.SetDefault("discovery.scoutTopN", d.Discovery.ScoutTopN)
	v.SetDefault("discovery.fanOut", d.Discovery.FanOut)
	v.SetDefault("discovery.searchSort", d.Discovery.SearchSort)
	v.SetDefault("discovery.searchTimeframe", d.Discovery.SearchTimeframe)
	v.SetDefault("generation.temperatures", d.Generation.Temperatures)
	v.SetDefault("generation.bannedPhrases", d.Generation.BannedPhrases)
	v.SetDefault("generation.personas", d.Generation.Personas)
	v.SetDefault("posting.jitterMin", d.Posting.JitterMin)
	v.SetDefault("posting.jitterMax", d.Posting.JitterMax)
	v.SetDefault("posting.firstTrackingDelay", d.Posting.FirstTrackingDelay)
	v.SetDefault("posting.autoPauseThreshold", d.Posting.AutoPauseThreshold)
	v.SetDefault("posting.autoPauseWindow", d.Posting.AutoPauseWindow)
	v.SetDefault("review.expireAfter", d.Review.ExpireAfter)
}

func decodePipelineConfig(v *viper.Viper) (PipelineConfig, error) {
	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return PipelineConfig{}, err
	}
	if err := ValidatePipelineConfig(cfg); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

func ValidatePipelineConfig(cfg PipelineConfig) error {
	s := cfg.Scoring
	if s.SkipThreshold < 0 || s.SkipThreshold > 1 || s.AutoGenerateThreshold < 0 || s.AutoGenerateThreshold > 1 {
		return errors.New("scoring thresholds must be within [0,1]")
	}
	if s.SkipThreshold > s.AutoGenerateThreshold {
		return fmt.Errorf("scoring.skipThreshold %.2f exceeds autoGenerateThreshold %.2f", s.SkipThreshold, s.AutoGenerateThreshold)
	}
	d := cfg.Discovery
	if d.SeenTTL <= 0 || d.ProgressTTL <= 0 || d.ScoutInterval <= 0 {
		return errors.New("discovery durations must be positive")
	}
	if d.FanOut <= 0 || d.ScoutTopN <= 0 {
		return errors.New("discovery.fanOut and discovery.scoutTopN must be positive")
	}
	if len(cfg.Generation.Temperatures) == 0 {
		return errors.New("generation.temperatures cannot be empty")
	}
	if len(cfg.Generation.Personas) == 0 {
		return errors.New("generation.personas cannot be empty")
	}
	p := cfg.Posting
	if p.JitterMin < 0 || p.JitterMax < p.JitterMin {
		return errors.New("posting jitter window is invalid")
	}
	if p.AutoPauseThreshold <= 0 || p.AutoPauseWindow <= 0 || p.FirstTrackingDelay <= 0 {
		return errors.New("posting breaker and tracking settings must be positive")
	}
	if cfg.Review.ExpireAfter <= 0 {
		return errors.New("review.expireAfter must be positive")
	}
	return nil
}
