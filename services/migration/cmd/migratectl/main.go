package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aimigrate/pkg/render"
	gos3 "aimigrate/pkg/s3"
	"aimigrate/services/bundler"
	"aimigrate/services/migration"
	"aimigrate/services/migration/internal/app"
	"aimigrate/services/migration/internal/config"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	actor     string
	projectID string
	baseDir   string
	verbose   bool
	stdout    io.Writer
}

func newRootCommand() *cobra.Command {
	g := &globals{stdout: os.Stdout}

	cmd := &cobra.Command{
		Use:           "migratectl",
		Short:         "Move AI platform assets from development to production",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.actor, "actor", os.Getenv("USER"), "Operator recorded in the ledger and on imported assets")
	cmd.PersistentFlags().StringVarP(&g.projectID, "project", "p", "", "Project id; empty or public selects the public project")
	cmd.PersistentFlags().StringVar(&g.baseDir, "base-dir", "", "Override MIGRATION_BASE_DIR")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log progress to stderr")

	cmd.AddCommand(
		newValidateCommand(g),
		newMergeCommand(g),
		newImportCommand(g),
		newMigrateCommand(g),
		newExtractCommand(g),
		newDiffCommand(g),
		newBundlesCommand(g),
	)
	return cmd
}

func (g *globals) logger() zerolog.Logger {
	if !g.verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func (g *globals) config(ctx context.Context) (config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if g.baseDir != "" {
		cfg.BaseDir = g.baseDir
	}
	return cfg, nil
}

// withApp assembles the orchestrator, runs fn and waits for background model
// copies before returning.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(g.actor) == "" {
		return errors.New("--actor is required")
	}
	cfg, err := g.config(ctx)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.Options{Logger: g.logger()})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Minute)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("wait for model copies: %w", err)
	}
	return runErr
}

func parseRoot(args []string) (migration.AssetType, string, error) {
	t, err := migration.ParseAssetType(args[0])
	if err != nil {
		return "", "", err
	}
	id := strings.TrimSpace(args[1])
	if id == "" {
		return "", "", errors.New("asset id is required")
	}
	return t, id, nil
}

func (g *globals) print(v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errIncomplete marks runs that finished with per-asset failures.
var errIncomplete = errors.New("completed with failures")

func newValidateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate TYPE ID",
		Short: "Stage a root asset and its dependencies and dry-run them against the target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseRoot(args)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Orchestrator.Validate(ctx, migration.ValidateRequest{
					Actor:     g.actor,
					ProjectID: g.projectID,
					Type:      t,
					ID:        id,
				})
				if err != nil {
					return err
				}
				if err := g.print(report); err != nil {
					return err
				}
				if !report.OK() {
					return errIncomplete
				}
				return nil
			})
		},
	}
}

func newMergeCommand(g *globals) *cobra.Command {
	var (
		diffsFile   string
		projectName string
		assetName   string
	)

	cmd := &cobra.Command{
		Use:   "merge TYPE ID",
		Short: "Apply approved values and write the root's manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseRoot(args)
			if err != nil {
				return err
			}
			diffs, err := readDiffs(diffsFile)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.MergeToManifest(ctx, migration.MergeRequest{
					Actor:       g.actor,
					ProjectID:   g.projectID,
					ProjectName: projectName,
					Type:        t,
					ID:          id,
					AssetName:   assetName,
					Diffs:       diffs,
				})
				if err != nil {
					return err
				}
				if len(res.CopyTasks) > 0 {
					fmt.Fprintf(os.Stderr, "waiting for %d model copies\n", len(res.CopyTasks))
				}
				out := map[string]any{
					"manifest_path": res.ManifestPath,
					"ledger_id":     res.LedgerID,
					"model_copies":  len(res.CopyTasks),
				}
				if res.Manifest != nil {
					out["file_count"] = res.Manifest.FileCount
				}
				return g.print(out)
			})
		},
	}

	cmd.Flags().StringVar(&diffsFile, "diffs", "", "JSON file of approved values keyed by type then id, or a review from extract")
	cmd.Flags().StringVar(&projectName, "project-name", "", "Project display name recorded in the manifest")
	cmd.Flags().StringVar(&assetName, "asset-name", "", "Asset display name recorded in the manifest")
	return cmd
}

// readDiffs accepts either a Diffs document or a Review, as printed by
// extract --review.
func readDiffs(path string) (migration.Diffs, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diffs: %w", err)
	}
	var review migration.Review
	if err := json.Unmarshal(data, &review); err == nil && len(review.Sections) > 0 {
		return review.Diffs(), nil
	}
	var diffs migration.Diffs
	if err := json.Unmarshal(data, &diffs); err != nil {
		return nil, fmt.Errorf("decode diffs: %w", err)
	}
	return diffs, nil
}

func newImportCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import MANIFEST",
		Short: "Replay a manifest into the target without touching the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Orchestrator.ImportFromManifest(ctx, g.actor, g.projectID, args[0])
				if err != nil {
					return err
				}
				if err := g.print(report); err != nil {
					return err
				}
				if !report.OK() {
					return errIncomplete
				}
				return nil
			})
		},
	}
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate TYPE ID",
		Short: "Replay a merged root into the target and retire older ledger entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseRoot(args)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.ImportAndMigrate(ctx, g.actor, g.projectID, t, id)
				if err != nil {
					return err
				}
				if err := g.print(res); err != nil {
					return err
				}
				if !res.OK() {
					return errIncomplete
				}
				return nil
			})
		},
	}
}

func newExtractCommand(g *globals) *cobra.Command {
	var asReview bool

	cmd := &cobra.Command{
		Use:   "extract TYPE ID",
		Short: "Print the environment-sensitive fields of a validated root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseRoot(args)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				data, err := a.Orchestrator.ExtractMigrationDataFromFolder(ctx, g.projectID, t, id)
				if err != nil {
					return err
				}
				if asReview {
					return g.print(migration.NewReview(migration.AssetRef{Type: t, ID: id}, g.projectID, data))
				}
				return g.print(data)
			})
		},
	}

	cmd.Flags().BoolVar(&asReview, "review", false, "Print as an editable review accepted by merge --diffs")
	return cmd
}

func newDiffCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "diff TYPE ID",
		Short: "Show dev and approved prod values side by side",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseRoot(args)
			if err != nil {
				return err
			}
			engine, err := render.New()
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				data, err := a.Orchestrator.ExtractMigrationDataFromFolder(ctx, g.projectID, t, id)
				if err != nil {
					return err
				}
				out, err := engine.Render("review.tmpl", migration.NewReview(migration.AssetRef{Type: t, ID: id}, g.projectID, data))
				if err != nil {
					return err
				}
				_, err = io.WriteString(g.stdout, out)
				return err
			})
		},
	}
}

func newBundlesCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Bundle build and import operations for air-gapped targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand(g))
	cmd.AddCommand(newBundlesImportCommand(g))
	return cmd
}

func newSigner(cfg config.Config) (*bundler.Signer, error) {
	return bundler.NewSigner(bundler.Keys{SecretKey: cfg.SigningSecretKey, PublicKey: cfg.SigningPublicKey})
}

func newBundlesBuildCommand(g *globals) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle of every manifest and the project file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := g.config(ctx)
			if err != nil {
				return err
			}
			signer, err := newSigner(cfg)
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				BaseDir: cfg.BaseDir,
				Output:  output,
				Signer:  signer,
				Stdout:  g.stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesImportCommand(g *globals) *cobra.Command {
	var (
		bundleFile string
		archive    string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and unpack its manifests into the base directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := g.config(ctx)
			if err != nil {
				return err
			}
			signer, err := newSigner(cfg)
			if err != nil {
				return err
			}
			importCfg := bundler.ImportConfig{
				BundlePath: bundleFile,
				BaseDir:    cfg.BaseDir,
				Signer:     signer,
				Stdout:     g.stdout,
			}
			if archive != "" {
				client, err := gos3.NewClient(ctx, cfg.S3())
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				importCfg.Archive = client
				importCfg.Bucket = archive
				importCfg.Prefix = "bundles"
			}
			res, err := bundler.Import(ctx, importCfg)
			if err != nil {
				return err
			}
			return g.print(map[string]any{
				"manifests":       res.ManifestPaths,
				"project_records": res.ProjectRecords,
			})
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&archive, "archive-bucket", "", "Also keep the verified bundle in this bucket")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
