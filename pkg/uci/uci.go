package uci

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// UCI reads the configuration through the uci command line tool
type UCI struct {
	logger *logx.Logger
	binary string
	name   string
}

// NewUCI creates a new UCI client. logger may be nil.
func NewUCI(logger *logx.Logger) *UCI {
	return &UCI{logger: logger, binary: "uci", name: "airbalance"}
}

// LoadConfig loads the configuration from `uci show airbalance`
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	output, err := u.execUCI(ctx, "show", u.name)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.setDefaults()
	cfg.parseShow(output)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// parseShow parses `uci show` output:
//
//	airbalance.main=airbalance
//	airbalance.main.log_level='debug'
//	airbalance.plan.channel='1' '6' '11'
func (c *Config) parseShow(output string) {
	types := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		left, right, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		path := strings.Split(left, ".")
		switch len(path) {
		case 2:
			types[path[1]] = unquote(right)
		case 3:
			sectionType, known := types[path[1]]
			if !known {
				continue
			}
			if sectionType == "channels" && path[2] == "channel" {
				c.parseList(sectionType, path[2], right)
				continue
			}
			// anonymous sections show up as @type[0]
			name := path[1]
			if strings.HasPrefix(name, "@") {
				name = ""
			}
			c.parseOption(sectionType, name, path[2], unquote(right))
		}
	}
}

func (u *UCI) execUCI(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, u.binary, args...).Output()
	if err != nil {
		if u.logger != nil {
			u.logger.Debug("uci command failed", "args", strings.Join(args, " "), "error", err)
		}
		return "", fmt.Errorf("uci %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
