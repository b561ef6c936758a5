package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-devmgr/internal/auth"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
)

// runToken mints an API access token signed with the configured JWT secret
// and writes it to out. The admin API has no login endpoint; operators and
// tooling are issued tokens this way.
func runToken(args []string, out io.Writer) error {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVarP(&subject, "subject", "s", "", "token subject (operator or service name)")
	flagSet.StringVarP(&role, "role", "r", string(auth.RoleViewer), "role: viewer, operator or admin")
	flagSet.DurationVar(&ttl, "ttl", 0, "token lifetime (default from security.jwt.access_token_ttl)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.Security.JWT.Secret,
		Issuer: cfg.Security.JWT.Issuer,
		TTL:    cfg.GetAccessTokenTTL(),
	}
	if ttl > 0 {
		tokenCfg.TTL = ttl
	}

	token, err := auth.GenerateAccessToken(subject, auth.Role(role), tokenCfg)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
