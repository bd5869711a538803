package testjob

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("testjobrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.testjob")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("testjob")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"allow_test_jobs":    true,
		"input_cap":          DefaultInputCap,
		"executable_timeout": DefaultExecutableTimeout,
		"compiler_timeout":   60 * time.Second,
		"pool_size":          1, // Sandboxed jobs run one at a time
		"retained_jobs":      0, // Keep every settled job
		"temp_dir":           os.TempDir(),
		"lang_support_dir":   "lang-support",
		"su_cmd":             "",
		"backend":            "local",
		"function_name":      "testjob_function",
		"lambda_memory":      1500,
		"lambda_timeout":     180,
		"role_name":          "TestJobLambdaRole",
		"spill_location":     "",
		"verbose":            false,
		"languages": map[string]interface{}{
			"sh": map[string]interface{}{
				"interpreter": "/bin/sh",
				"extension":   "sh",
			},
			"python": map[string]interface{}{
				"interpreter": "/usr/bin/env python3",
				"extension":   "py",
			},
		},
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose": "v",
		"backend": "b",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}

// languageProfiles reads the "languages" table of the config.
func languageProfiles() map[string]LanguageProfile {
	profiles := make(map[string]LanguageProfile)
	if err := viper.UnmarshalKey("languages", &profiles); err != nil {
		log.Errorf("Could not parse language profiles: %s", err)
	}
	return profiles
}
