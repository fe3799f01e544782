package config

import "path/filepath"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			CompanionName: "Kindred",
			LogLevel:      "info",
		},
		Storage: StorageConfig{
			Backend: "json",
			DataDir: filepath.Join(DefaultConfigDir(), "user_data"),
			DBPath:  filepath.Join(DefaultConfigDir(), "kindred.db"),
		},
		Memory: MemoryConfig{
			HistoryLimit:   100,
			MoodWindow:     10,
			TrendThreshold: 0.25,
		},
		Encryption: EncryptionConfig{
			Enabled: false,
		},
		Personality: PersonalityConfig{},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}
