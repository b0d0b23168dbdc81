package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	httpadapter "github.com/kirillkom/kedb-orchestrator/internal/adapters/http"
	"github.com/kirillkom/kedb-orchestrator/internal/bootstrap"
	"github.com/kirillkom/kedb-orchestrator/internal/config"
	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/usecase"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/policy/yamlrules"
	badgerstore "github.com/kirillkom/kedb-orchestrator/internal/infrastructure/storage/badger"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/logging"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "kedbctl",
		Usage:  "operate the KEDB query orchestrator",
		Writer: out,
		Commands: []*cli.Command{
			queryCommand(),
			sessionsCommand(),
			policyCommand(),
			tokenCommand(),
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run one query through the full pipeline in-process",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "caller", Value: "kedbctl", Usage: "caller identity"},
			&cli.StringSliceFlag{Name: "role", Usage: "caller role (repeatable)"},
			&cli.StringSliceFlag{Name: "entitlement", Usage: "extra access tag grant (repeatable)"},
			&cli.IntFlag{Name: "k", Usage: "maximum evidence items"},
			&cli.StringSliceFlag{Name: "severity", Usage: "severity filter (repeatable)"},
			&cli.StringSliceFlag{Name: "tag", Usage: "tag filter (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.NewJSONLoggerTo(os.Stderr, cfg.ServiceName+"-ctl", cfg.LogLevel)

			app, err := bootstrap.New(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.TrackerWriteTimeout+5*time.Second)
				defer cancel()
				if err := app.Close(closeCtx); err != nil {
					logger.Error("close_error", "error", err)
				}
			}()

			query, err := domain.NewQuery(c.Args().First(), domain.Caller{
				ID:           c.String("caller"),
				Roles:        c.StringSlice("role"),
				Entitlements: c.StringSlice("entitlement"),
			}, domain.Filters{
				Severities: c.StringSlice("severity"),
				Tags:       c.StringSlice("tag"),
			}, c.Int("k"), cfg.DefaultK, cfg.MaxK)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			resp, err := app.Query.Query(c.Context, query)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, resp)
		},
	}
}

func sessionsCommand() *cli.Command {
	pathFlag := &cli.StringFlag{Name: "path", Usage: "session journal directory", EnvVars: []string{"BADGER_PATH"}, Value: "./data/sessions"}
	return &cli.Command{
		Name:  "sessions",
		Usage: "inspect the local session journal",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list the newest sessions",
				Flags: []cli.Flag{
					pathFlag,
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum sessions to print"},
				},
				Action: func(c *cli.Context) error {
					journal, err := badgerstore.Open(c.String("path"))
					if err != nil {
						return err
					}
					defer journal.Close()

					sessions, err := journal.List(c.Context, c.Int("limit"))
					if err != nil {
						return err
					}
					for _, s := range sessions {
						fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\tevidence=%d\tcost=%.4f\n",
							s.EndedAt.UTC().Format(time.RFC3339), s.ID, s.Status, s.Query.CallerID, len(s.EvidenceIDs), s.Usage.CostUSD)
					}
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "print one session as JSON",
				ArgsUsage: "<session-id>",
				Flags:     []cli.Flag{pathFlag},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("exactly one session id is required", 2)
					}
					journal, err := badgerstore.Open(c.String("path"))
					if err != nil {
						return err
					}
					defer journal.Close()

					session, err := journal.Get(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, session)
				},
			},
		},
	}
}

func policyCommand() *cli.Command {
	return &cli.Command{
		Name:  "policy",
		Usage: "validate and exercise policy rules",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "validate a rules file, optionally deciding one caller against access tags",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Value: "config/policy.yaml", EnvVars: []string{"POLICY_FILE"}},
					&cli.StringSliceFlag{Name: "role", Usage: "caller role (repeatable)"},
					&cli.StringSliceFlag{Name: "entitlement", Usage: "extra access tag grant (repeatable)"},
					&cli.StringSliceFlag{Name: "tag", Usage: "candidate access tag (repeatable)"},
				},
				Action: func(c *cli.Context) error {
					rules, err := yamlrules.Load(c.String("file"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					fmt.Fprintf(c.App.Writer, "rules ok: %d roles, minimum_evidence=%d, allow_untagged=%t\n",
						len(rules.Roles), rules.MinimumEvidence, rules.AllowUntagged)

					if len(c.StringSlice("role")) == 0 {
						return nil
					}
					engine := usecase.NewPolicyEngine(rules, nil)
					allowed, reason := engine.Decide(domain.Caller{
						ID:           "kedbctl",
						Roles:        c.StringSlice("role"),
						Entitlements: c.StringSlice("entitlement"),
					}, c.StringSlice("tag"))
					verdict := "deny"
					if allowed {
						verdict = "allow"
					}
					fmt.Fprintf(c.App.Writer, "%s (%s)\n", verdict, reason)
					return nil
				},
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a caller token signed with JWT_SECRET",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true, Usage: "caller identity"},
			&cli.StringSliceFlag{Name: "role", Usage: "caller role (repeatable)"},
			&cli.StringSliceFlag{Name: "entitlement", Usage: "extra access tag grant (repeatable)"},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
			&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}},
		},
		Action: func(c *cli.Context) error {
			token, err := httpadapter.SignCallerToken(c.String("secret"), c.String("issuer"), domain.Caller{
				ID:           c.String("subject"),
				Roles:        c.StringSlice("role"),
				Entitlements: c.StringSlice("entitlement"),
			}, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

