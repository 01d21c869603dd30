package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"Trusty-Agents/sdk/go/trusty"
)

var version = "0.1.0"

type globalFlags struct {
	server  string
	token   string
	userID  int64
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "trustyctl",
		Short:         "Command line client for the Trusty shopping-agent API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("TRUSTY_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("TRUSTY_TOKEN"), "bearer access token")
	root.PersistentFlags().Int64Var(&flags.userID, "user", 0, "user id sent as X-User-ID (header auth mode)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", trusty.DefaultHTTPTimeout, "request timeout")

	root.AddCommand(
		newRegisterCmd(flags),
		newLoginCmd(flags),
		newTemplatesCmd(flags),
		newAgentCmd(flags),
		newBuyCmd(flags),
		newTxCmd(flags),
		newPromptCmd(flags),
	)
	return root
}

// run builds a client, applies the timeout and prints the result as JSON.
func run(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, c *trusty.Client) (any, error)) error {
	client, err := trusty.NewClient(flags.server, nil)
	if err != nil {
		return err
	}
	if flags.token != "" {
		client.SetAccessToken(flags.token)
	}
	if flags.userID > 0 {
		client.SetUserID(flags.userID)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	result, err := fn(ctx, client)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func newRegisterCmd(flags *globalFlags) *cobra.Command {
	var reg trusty.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Register(ctx, reg)
			})
		},
	}
	cmd.Flags().StringVar(&reg.Username, "username", "", "account name")
	cmd.Flags().StringVar(&reg.Email, "email", "", "email address")
	cmd.Flags().StringVar(&reg.Password, "password", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Login(ctx, username, password)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newTemplatesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List agent templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Templates(ctx)
			})
		},
	}
}

func newAgentCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage shopping agents"}

	var setup trusty.AgentSetup
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an agent from a natural-language prompt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.SetupAgent(ctx, setup)
			})
		},
	}
	create.Flags().StringVar(&setup.TemplateID, "template", "shopping-assistant", "template id")
	create.Flags().StringVar(&setup.Prompt, "prompt", "", "shopping request in natural language")
	create.Flags().StringVar(&setup.MaxBudget, "budget", "", "maximum budget, e.g. 200.00")
	create.Flags().StringSliceVar(&setup.AllowedMerchants, "merchant", nil, "allowed merchant (repeatable)")
	create.Flags().StringVar(&setup.BridgeWalletAddress, "wallet", "", "bridge wallet address")
	_ = create.MarkFlagRequired("prompt")

	list := &cobra.Command{
		Use:   "list",
		Short: "List your agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Agents(ctx)
			})
		},
	}

	byID := func(use, short string, fn func(ctx context.Context, c *trusty.Client, id string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <agent-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
					return fn(ctx, c, args[0])
				})
			},
		}
	}

	var query string
	shop := byID("shop", "Start a shopping task", func(ctx context.Context, c *trusty.Client, id string) (any, error) {
		var criteria map[string]any
		if query != "" {
			criteria = map[string]any{"query": query}
		}
		return c.StartShopping(ctx, id, criteria)
	})
	shop.Flags().StringVar(&query, "query", "", "search query passed as search_criteria")

	cmd.AddCommand(
		create,
		list,
		byID("get", "Show an agent", func(ctx context.Context, c *trusty.Client, id string) (any, error) {
			return c.Agent(ctx, id)
		}),
		byID("status", "Show an agent's status and latest transaction", func(ctx context.Context, c *trusty.Client, id string) (any, error) {
			return c.Status(ctx, id)
		}),
		byID("reset", "Reset a finished agent to IDLE", func(ctx context.Context, c *trusty.Client, id string) (any, error) {
			return c.ResetAgent(ctx, id)
		}),
		shop,
	)
	return cmd
}

func newBuyCmd(flags *globalFlags) *cobra.Command {
	var req trusty.PurchaseRequest
	cmd := &cobra.Command{
		Use:   "buy <agent-id>",
		Short: "Verify and execute a purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.AgentInstance = args[0]
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Purchase(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Amount, "amount", "", "purchase amount, e.g. 149.99")
	cmd.Flags().StringVar(&req.Merchant, "merchant", "", "merchant name")
	cmd.Flags().StringVar(&req.MerchantWallet, "merchant-wallet", "", "merchant wallet address")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("merchant-wallet")
	return cmd
}

func newTxCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "tx", Short: "Inspect transactions"}
	get := &cobra.Command{
		Use:   "get <transaction-id>",
		Short: "Show a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.Transaction(ctx, args[0])
			})
		},
	}

	var pc trusty.PriceComparison
	quote := &cobra.Command{
		Use:   "quote <transaction-id>",
		Short: "Record a price comparison",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.AddPriceComparison(ctx, args[0], pc)
			})
		},
	}
	quote.Flags().StringVar(&pc.MerchantName, "merchant", "", "merchant name")
	quote.Flags().StringVar(&pc.Price, "price", "", "quoted price")
	quote.Flags().StringVar(&pc.URL, "url", "", "product URL")
	_ = quote.MarkFlagRequired("merchant")
	_ = quote.MarkFlagRequired("price")

	cmd.AddCommand(get, quote)
	return cmd
}

func newPromptCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <text>",
		Short: "Translate a shopping request into constraints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, c *trusty.Client) (any, error) {
				return c.ProcessPrompt(ctx, args[0])
			})
		},
	}
}

func init() {
	log.SetFlags(0)
	log.SetPrefix(fmt.Sprintf("trustyctl %s: ", version))
}
