// main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktamas77/ableton-link/internal/app"
	"github.com/ktamas77/ableton-link/internal/config"
	"github.com/ktamas77/ableton-link/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "tempolink",
	Short:         "Share tempo, beat phase and transport with peers on the network.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var peerCmd = &cobra.Command{
	Use:   "peer <peer-directory>",
	Short: "Run a peer from <peer-directory>/" + config.FileName + ".",
	Long: `Run a long-lived session peer. The config file is created with defaults
if missing and is watched for tempo and start/stop sync changes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCLIPeer(args[0])
	},
}

var initCmd = &cobra.Command{
	Use:   "init <peer-directory>",
	Short: "Create or update a peer config interactively.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		absDir, cfgPath, err := peerPaths(args[0])
		if err != nil {
			return err
		}
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			return err
		}
		cfg := config.Default()
		if existing, err := config.LoadPartial(cfgPath); err == nil {
			cfg = existing
		}
		cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfgPath)
		return nil
	},
}

var (
	tempoDir  string
	tempoWait time.Duration
)

var tempoCmd = &cobra.Command{
	Use:   "tempo <bpm>",
	Short: "Join the session, set its tempo and leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bpm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid tempo %q: %w", args[0], err)
		}
		cfg := config.Default()
		if tempoDir != "" {
			_, cfgPath, err := peerPaths(tempoDir)
			if err != nil {
				return err
			}
			if cfg, err = config.Load(cfgPath); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		}
		cfg.Log.Level = "warn"

		ctx, cancel := signalContext()
		defer cancel()
		return app.SetTempo(ctx, cfg, bpm, tempoWait)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tempolink v%s\n", appVersion)
	},
}

func init() {
	tempoCmd.Flags().StringVarP(&tempoDir, "dir", "d", "", "peer directory whose config selects the transport")
	tempoCmd.Flags().DurationVar(&tempoWait, "wait", 3*time.Second, "how long to wait for peers before setting the tempo")

	rootCmd.AddCommand(peerCmd, initCmd, tempoCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func peerPaths(dir string) (absDir, cfgPath string, err error) {
	absDir, err = filepath.Abs(dir)
	if err != nil {
		return "", "", fmt.Errorf("invalid peer directory: %w", err)
	}
	return absDir, util.ResolvePath(absDir, config.FileName), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Println("Shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runCLIPeer(peerDirArg string) {
	absDir, cfgPath, err := peerPaths(peerDirArg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config %s", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}
