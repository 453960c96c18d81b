package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/pmx/economy-engine/internal/app"
	"github.com/pmx/economy-engine/internal/model"
)

func newAccountCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and fund accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "open <user>",
		Short: "Open an empty account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				acct, err := a.Ledger.OpenAccount(cmd.Context(), model.UserID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(acct)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Print balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				acct, err := a.Ledger.Account(cmd.Context(), model.UserID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(acct)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "txs <user>",
		Short: "Print the transaction log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				txs, err := a.Ledger.Transactions(cmd.Context(), model.UserID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(txs)
			})
		},
	})

	var token string
	credit := &cobra.Command{
		Use:   "credit <user> <amount>",
		Short: "Credit an activity reward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := model.ParseTokenType(token)
			if err != nil {
				return err
			}
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				acct, err := a.Ledger.Credit(cmd.Context(), model.UserID(args[0]), tok, model.Amount(n), model.ReasonActivityReward, "pmxctl")
				if err != nil {
					return err
				}
				return printJSON(acct)
			})
		},
	}
	credit.Flags().StringVar(&token, "token", "PMC", "PMP or PMC")
	cmd.AddCommand(credit)

	return cmd
}

func newWaveCmd(configPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "wave <1|2>",
		Short: "Run Wave 1 or Wave 2 for a day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				var err error
				if day, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("date %q is not YYYY-MM-DD", date)
				}
			}
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				switch args[0] {
				case "1":
					res, err := a.Waves.RunWave1(cmd.Context(), day)
					if err != nil {
						return err
					}
					return printJSON(res)
				case "2":
					batch, err := a.Waves.RunWave2(cmd.Context(), day)
					if err != nil {
						return err
					}
					return printJSON(batch)
				}
				return fmt.Errorf("unknown wave %q", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to run, YYYY-MM-DD (default today, UTC)")
	return cmd
}

func newSettleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle [game...]",
		Short: "Settle the named games, or every game ready to settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				ids := make([]model.GameID, 0, len(args))
				for _, arg := range args {
					ids = append(ids, model.GameID(arg))
				}
				if len(ids) == 0 {
					var err error
					if ids, err = a.Store.ListSettleableGames(cmd.Context()); err != nil {
						return err
					}
				}
				reports, err := a.Games.SettleClosed(cmd.Context(), ids)
				if perr := printJSON(reports); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newIncentiveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incentive",
		Short: "Inspect and advance sponsor incentive requests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <request>",
		Short: "Print a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				req, err := a.Waves.Incentive(cmd.Context(), model.RequestID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "process [request]",
		Short: "Advance one request, or every open request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				if len(args) == 1 {
					req, err := a.Waves.ProcessIncentiveRequest(cmd.Context(), model.RequestID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(req)
				}
				changed, err := a.Waves.ProcessDueIncentives(cmd.Context())
				if perr := printJSON(changed); perr != nil {
					return perr
				}
				return err
			})
		},
	})

	return cmd
}

func newEventsCmd(configPath *string) *cobra.Command {
	var (
		from  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read published events back from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *configPath, func(a *app.App) error {
				if a.Stream == nil {
					return errors.New("events: redis url is not configured")
				}
				entries, err := a.Stream.Read(cmd.Context(), from, count)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "0", "stream id to read after")
	cmd.Flags().IntVar(&count, "count", 100, "maximum number of events")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.S3.SecretKey != "" {
				shown.S3.SecretKey = "****"
			}
			return toml.NewEncoder(os.Stdout).Encode(shown)
		},
	}
}
