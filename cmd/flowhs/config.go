package main

import (
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-flowhs/config"
)

var now = time.Now

type validateConfigCmd struct {
	Path string `arg:"" optional:"" type:"existingfile" help:"Settings file, defaults to --config."`
}

// effectiveConfig is printed back to the operator.
type effectiveConfig struct {
	config.Config  `yaml:",inline"`
	NextValidation string `yaml:"next_validation,omitempty"`
}

func (c *validateConfigCmd) Run(rt *runtime) error {
	cfg := rt.config
	if c.Path != "" {
		loaded, err := config.Load(c.Path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	out := effectiveConfig{Config: cfg}
	if cfg.ValidationSchedule != "" {
		sched, err := rcron.ParseStandard(cfg.ValidationSchedule)
		if err != nil {
			return fmt.Errorf("validation_schedule: %w", err)
		}
		out.NextValidation = sched.Next(now()).Format(time.RFC3339)
	}
	rt.logger.Info("settings are valid")
	return writeYAML(rt.out, out)
}
