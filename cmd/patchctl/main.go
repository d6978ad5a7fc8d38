// patchctl applies, reverts, and inspects dependency-tracked schema patches.
//
// Usage:
//
//	patchctl apply                 # apply the shipped tracking-schema set
//	patchctl apply --dir ./patches # apply a patch directory
//	patchctl revert predictions
//	patchctl status
//	patchctl validate --dir ./patches
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/predictops/schemapatch/internal/auth"
	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/postgres"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/source"
	"github.com/predictops/schemapatch/patches"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "patchctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchctl",
	Short: "Dependency-tracked schema patch management",
	Long: `patchctl manages schema patches through a dependency-tracked ledger.

Each patch is applied exactly once; re-running apply skips patches that are
already installed. A patch cannot be reverted while another installed patch
still requires it.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("schemapatch")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			viper.AddConfigPath("configs")
		}
		viper.SetEnvPrefix("schemapatch")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetDefault("database.host", "localhost")
		viper.SetDefault("database.port", 5432)
		viper.SetDefault("database.user", "schemapatch")
		viper.SetDefault("database.password", "schemapatch")
		viper.SetDefault("database.name", "pipelines")
		viper.SetDefault("database.sslmode", "disable")
		viper.SetDefault("database.schema", "")
		viper.SetDefault("ledger.principal", defaultPrincipal())
		viper.SetDefault("server.issuer", "patchd")

		_ = viper.ReadInConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./schemapatch.yaml)")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultPrincipal() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "schemapatch"
}

func dbConfig() postgres.Config {
	return postgres.Config{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		Database: viper.GetString("database.name"),
		SSLMode:  viper.GetString("database.sslmode"),
		Schema:   viper.GetString("database.schema"),
	}
}

// connectLedger opens the pool and bootstraps the ledger tables.
func connectLedger(ctx context.Context) (*pgxpool.Pool, *ledger.PostgresLedger, error) {
	pool, err := postgres.Connect(ctx, dbConfig(), zap.NewNop())
	if err != nil {
		return nil, nil, err
	}

	led := ledger.NewPostgres(pool, viper.GetString("ledger.principal"), zap.NewNop())
	if err := led.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, led, nil
}

// loadPatchSet reads --dir when given, the shipped set otherwise.
func loadPatchSet(dir string) ([]source.Patch, error) {
	if dir == "" {
		return source.Load(patches.FS, ".")
	}
	return source.Load(os.DirFS(dir), ".")
}

// ── apply ────────────────────────────────────────────────────────────────────

var applyDir string

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install all pending patches in declaration order",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := loadPatchSet(applyDir)
		if err != nil {
			return err
		}
		if err := runner.Validate(set); err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, led, err := connectLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := runner.New(led, zap.NewNop()).Apply(ctx, set)
		if err != nil {
			return err
		}

		for _, id := range report.Applied {
			fmt.Printf("  apply %s\n", id)
		}
		for _, id := range report.Skipped {
			fmt.Printf("  skip  %s (already installed)\n", id)
		}
		if len(report.Applied) == 0 {
			fmt.Println("nothing to apply — ledger is up to date")
		} else {
			fmt.Printf("applied %d patch(es)\n", len(report.Applied))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVar(&applyDir, "dir", "", "Patch directory (default: the shipped tracking-schema set)")
}

// ── revert ───────────────────────────────────────────────────────────────────

var (
	revertDir   string
	revertForce bool
)

var revertCmd = &cobra.Command{
	Use:   "revert <patch-id>",
	Short: "Uninstall a patch by running its down SQL",
	Long: `Revert removes a patch from the ledger and runs its down SQL in the
same transaction. The revert is rejected while another installed patch still
requires the target.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		set, err := loadPatchSet(revertDir)
		if err != nil {
			return err
		}

		if !revertForce {
			fmt.Printf("Revert patch %q? This runs its down SQL. [y/N]: ", id)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		ctx := cmd.Context()
		pool, led, err := connectLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		removed, err := runner.New(led, zap.NewNop()).Revert(ctx, set, id)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("patch %q is not installed\n", id)
			return nil
		}
		fmt.Printf("reverted %s\n", id)
		return nil
	},
}

func init() {
	revertCmd.Flags().StringVar(&revertDir, "dir", "", "Patch directory (default: the shipped tracking-schema set)")
	revertCmd.Flags().BoolVar(&revertForce, "force", false, "Skip confirmation prompt")
}

// ── status ───────────────────────────────────────────────────────────────────

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List installed patches and their dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, led, err := connectLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		installed, err := led.Installed(ctx)
		if err != nil {
			return err
		}

		if statusFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(installed)
		}

		if len(installed) == 0 {
			fmt.Println("no patches installed")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tINSTALLED AT\tBY\tREQUIRES")
		for _, p := range installed {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.ID,
				p.InstalledAt.Format(time.RFC3339),
				p.InstalledBy,
				strings.Join(p.Requires, ", "),
			)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or json")
}

// ── validate ─────────────────────────────────────────────────────────────────

var validateDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Lint a patch set without touching the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := loadPatchSet(validateDir)
		if err != nil {
			return err
		}
		if err := runner.Validate(set); err != nil {
			return err
		}
		fmt.Printf("ok — %d patch(es)\n", len(set))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "Patch directory (default: the shipped tracking-schema set)")
}

// ── hash-password ────────────────────────────────────────────────────────────

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash of an admin password for server config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token for the patchd API",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("server.token_secret")
		if secret == "" {
			return fmt.Errorf("server.token_secret is not configured")
		}

		issuer := auth.NewTokenIssuer([]byte(secret), "", viper.GetString("server.issuer"), tokenTTL)
		token, err := issuer.Issue(viper.GetString("ledger.principal"))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the patchctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchctl %s\n", version)
	},
}
