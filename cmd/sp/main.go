package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"splitpay/internal/app"
	"splitpay/internal/config"
	"splitpay/internal/db"
	"splitpay/internal/domain"
	"splitpay/internal/repo"
	"splitpay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "Splitpay CLI",
	Long: `Splitpay orchestrates split payments: one order amount covered by a set of
gift cards plus at most one primary instrument, settled as an ordered
sequence of legs against configured connectors.

Workspace: the .splitpay directory next to you holds the database; connector
endpoints, redis and webhooks live in splitpay.yml (sp config init).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPLITPAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("merchant", "", "merchant id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("merchant", rootCmd.PersistentFlags().Lookup("merchant"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(attemptCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var merchantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default splitpay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if merchantID == "" {
				merchantID = "default-merchant"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(merchantID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&merchantID, "merchant-id", "", "merchant id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSON(rt.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate splitpay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{
		Use:   "payment",
		Short: "Manage payment intents",
	}
	pay.AddCommand(paymentCreateCmd())
	pay.AddCommand(paymentShowCmd())
	pay.AddCommand(paymentListCmd())
	return pay
}

func paymentCreateCmd() *cobra.Command {
	var amount int64
	var currency, profileID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a payment intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if profileID == "" {
					profileID = rt.Config.Merchant.ProfileID
				}
				p, err := rt.Engine.CreateIntent(ctx, merchantID(rt.Config), profileID, amount, strings.ToUpper(currency), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "order amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "USD", "3-letter currency code")
	cmd.Flags().StringVar(&profileID, "profile", "", "routing profile id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func paymentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <payment_id>",
		Short: "Show a payment intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func paymentListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payment intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListIntents(ctx, repo.IntentFilters{
					MerchantID: merchantID(rt.Config),
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Amount", "Currency", "Status", "Group", "Created"})
				for _, p := range items {
					group := ""
					if p.ActiveAttemptsGroupID != nil {
						group = *p.ActiveAttemptsGroupID
					}
					tw.AppendRow(table.Row{p.ID, p.OrderAmount, p.Currency, p.Status, group, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func confirmCmd() *cobra.Command {
	var giftCards []string
	var cardNumber, cardExpMonth, cardExpYear, cardCVC string
	cmd := &cobra.Command{
		Use:   "confirm <payment_id>",
		Short: "Confirm a payment with split instruments",
		Long: `Confirm settles a payment: each declared gift card is charged its full
remaining balance and the primary card covers whatever is left.

Gift cards are passed as --gift-card provider:number, repeatable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req := domain.ConfirmSplitRequest{}
				for _, gc := range giftCards {
					provider, number, ok := strings.Cut(gc, ":")
					if !ok {
						return fmt.Errorf("invalid --gift-card %q, want provider:number", gc)
					}
					req.SplitMethods = append(req.SplitMethods, domain.SplitMethodEntry{
						MethodType:    domain.MethodGiftCard,
						MethodSubtype: provider,
						MethodData: domain.PaymentMethodData{
							GiftCard: &domain.GiftCardData{Provider: provider, Number: number},
						},
					})
				}
				if cardNumber != "" {
					req.MethodType = domain.MethodCard
					req.MethodData = &domain.PaymentMethodData{
						Card: &domain.CardData{
							Number:   cardNumber,
							ExpMonth: cardExpMonth,
							ExpYear:  cardExpYear,
							CVC:      cardCVC,
						},
					}
				} else if len(req.SplitMethods) > 0 {
					// no primary: reuse the first gift card as the top-level
					// instrument so the request carries payment_method_data
					first := req.SplitMethods[0]
					req.MethodType = first.MethodType
					req.MethodSubtype = first.MethodSubtype
					data := first.MethodData
					req.MethodData = &data
					req.SplitMethods = req.SplitMethods[1:]
				}
				res, err := rt.Engine.ExecuteSplit(ctx, args[0], req, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&giftCards, "gift-card", nil, "gift card as provider:number (repeatable)")
	cmd.Flags().StringVar(&cardNumber, "card-number", "", "primary card number")
	cmd.Flags().StringVar(&cardExpMonth, "card-exp-month", "", "primary card expiry month")
	cmd.Flags().StringVar(&cardExpYear, "card-exp-year", "", "primary card expiry year")
	cmd.Flags().StringVar(&cardCVC, "card-cvc", "", "primary card cvc")
	return cmd
}

func balanceCmd() *cobra.Command {
	bal := &cobra.Command{
		Use:   "balance",
		Short: "Manage gift card balances",
	}
	bal.AddCommand(balanceSetCmd())
	bal.AddCommand(balanceGetCmd())
	return bal
}

func balanceSetCmd() *cobra.Command {
	var provider, number, currency string
	var amount int64
	cmd := &cobra.Command{
		Use:   "set <payment_id>",
		Short: "Record a gift card balance for a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				card := domain.GiftCardData{Provider: provider, Number: number}
				key, err := card.UniqueKey()
				if err != nil {
					return err
				}
				balanceKey := domain.BalanceKey{
					MethodType:    domain.MethodGiftCard,
					MethodSubtype: provider,
					MethodKey:     key,
				}
				rec := domain.BalanceRecord{Balance: amount, Currency: strings.ToUpper(currency)}
				if err := rt.Engine.SeedBalance(ctx, args[0], balanceKey, rec, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("balance set: %s %d\n", provider, amount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "gift card provider")
	cmd.Flags().StringVar(&number, "number", "", "gift card number")
	cmd.Flags().Int64Var(&amount, "amount", 0, "balance in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func balanceGetCmd() *cobra.Command {
	var provider, number string
	cmd := &cobra.Command{
		Use:   "get <payment_id>",
		Short: "Show the recorded balance for a gift card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				card := domain.GiftCardData{Provider: provider, Number: number}
				key, err := card.UniqueKey()
				if err != nil {
					return err
				}
				balanceKey := domain.BalanceKey{
					MethodType:    domain.MethodGiftCard,
					MethodSubtype: provider,
					MethodKey:     key,
				}
				records, err := rt.Engine.Balances.FetchBalances(ctx, args[0], []domain.BalanceKey{balanceKey})
				if err != nil {
					return err
				}
				rec, ok := records[balanceKey]
				if !ok {
					return fmt.Errorf("no balance recorded for %s on %s", provider, args[0])
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s: %d %s\n", provider, rec.Balance, rec.Currency)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "gift card provider")
	cmd.Flags().StringVar(&number, "number", "", "gift card number")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func attemptCmd() *cobra.Command {
	att := &cobra.Command{
		Use:   "attempt",
		Short: "Inspect payment attempts",
	}
	att.AddCommand(attemptListCmd())
	return att
}

func attemptListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <payment_id>",
		Short: "List a payment's attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Method", "Amount", "Status", "Connector", "Txn"})
				for _, a := range items {
					txn := ""
					if a.ConnectorTransactionID != nil {
						txn = *a.ConnectorTransactionID
					}
					tw.AppendRow(table.Row{a.ID, a.MethodType, a.Amount, a.Status, a.Connector, txn})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the configured merchant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				raw, key, err := server.NewAPIKey(ctx, rt.Engine.Repo, merchantID(rt.Config), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": raw})
				}
				fmt.Println("id: ", key.ID)
				fmt.Println("key:", raw)
				fmt.Println("store the key now; it is not retrievable later")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, paymentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, paymentID, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			rt, err := app.Bootstrap(cmd.Context(), viper.GetString("workspace"), viper.GetString("merchant"), logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			secret := os.Getenv("SPLITPAY_JWT_SECRET")
			if secret == "" {
				secret = rt.Config.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("SPLITPAY_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: secret, Logger: logger},
				AppConfig: rt.Config,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving splitpay api", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Bootstrap(ctx, viper.GetString("workspace"), viper.GetString("merchant"), zap.NewNop())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func merchantID(cfg *config.Config) string {
	if m := viper.GetString("merchant"); m != "" {
		return m
	}
	return cfg.Merchant.ID
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
