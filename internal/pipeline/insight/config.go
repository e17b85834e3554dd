package insight

import "store-insights/internal/common/config"

type Config struct {
	HighConfidenceRows   int
	MediumConfidenceRows int
	// SampleRows caps the rows shown to the model.
	SampleRows        int
	DefaultWindowDays int

	// HighConfidenceMaxVariation caps the value column's coefficient of
	// variation for a high rating.
	HighConfidenceMaxVariation float64
}

func LoadConfig(cfg config.PipelineConfig) Config {
	return Config{
		HighConfidenceRows:         cfg.HighConfidenceRows,
		MediumConfidenceRows:       cfg.MediumConfidenceRows,
		SampleRows:                 cfg.SampleRows,
		DefaultWindowDays:          cfg.DefaultWindowDays,
		HighConfidenceMaxVariation: cfg.HighConfidenceMaxVariation,
	}
}

func (c Config) withDefaults() Config {
	if c.HighConfidenceRows <= 0 {
		c.HighConfidenceRows = 20
	}
	if c.MediumConfidenceRows <= 0 {
		c.MediumConfidenceRows = 5
	}
	if c.HighConfidenceMaxVariation <= 0 {
		c.HighConfidenceMaxVariation = 2
	}
	if c.SampleRows <= 0 {
		c.SampleRows = 10
	}
	if c.DefaultWindowDays <= 0 {
		c.DefaultWindowDays = 30
	}
	return c
}
