package main

import (
	"fmt"
	"strings"
	"sync"

	"tickd/internal/app"
	"tickd/internal/config"
	"tickd/pkg/logx"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return defaultConfigPath
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.NewManager(c.configPath()).Load()
	})
	return c.config, c.configErr
}

// withClients opens the configured drivers for a one-shot operator
// command and closes them afterwards.
func (c *commandContext) withClients(fn func(*config.Config, *app.Clients) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cl, err := app.OpenClients(cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(cfg, cl)
}
