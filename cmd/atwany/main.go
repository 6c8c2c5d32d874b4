package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/atwany/internal/logging"
	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
	"github.com/dharsanguruparan/atwany/internal/pipeline"
	"github.com/dharsanguruparan/atwany/internal/processing"
	"github.com/dharsanguruparan/atwany/internal/storage"
)

var (
	composeFile string
	logLevel    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "atwany: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atwany",
		Short: "Derive image variants and drive the local stack",
		Long: `atwany derives resized JPEG variants and blur hashes from local images and
wraps the docker compose workflows used to run the services.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for pipeline events")
	cmd.AddCommand(
		newDeriveCmd(),
		newStreamCmd(),
		newBlurHashCmd(),
		newUpCmd(),
		newDownCmd(),
		newRunCmd(),
	)
	return cmd
}

type deriveFlags struct {
	mimeType string
	workers  int
	timeout  time.Duration
}

func (f *deriveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mimeType, "mimetype", "", "Declared type (png, jpeg, gif, webp); defaults to the file extension")
	cmd.Flags().IntVar(&f.workers, "workers", 4, "Processing pool size")
	cmd.Flags().DurationVar(&f.timeout, "timeout", time.Minute, "Deadline for the whole derivation")
}

func (f *deriveFlags) request(path string) (model.UploadRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.UploadRequest{}, err
	}
	declared := f.mimeType
	if declared == "" {
		declared = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	// Unknown types are left to content sniffing in the decoder.
	mt, _ := media.ParseMimeType(declared)
	return model.UploadRequest{Image: data, MimeType: mt, FileName: filepath.Base(path)}, nil
}

func (f *deriveFlags) pipeline(ctx context.Context, store storage.Store) (*pipeline.Pipeline, func()) {
	logger := logging.New(os.Stderr, logLevel, "atwany-cli")
	pool := processing.New(f.workers, logger)
	pool.Start(ctx)
	p := pipeline.New(pool, store, pipeline.Options{Timeout: f.timeout, Logger: logger})
	return p, pool.Stop
}

func newDeriveCmd() *cobra.Command {
	var (
		flags deriveFlags
		root  string
	)
	cmd := &cobra.Command{
		Use:   "derive <image>",
		Short: "Write every variant under <root>/images and print the aggregate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			store, err := storage.NewFileStore(root)
			if err != nil {
				return err
			}
			p, stop := flags.pipeline(cmd.Context(), store)
			defer stop()
			resp, err := p.Write(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&root, "root", ".", "Directory that receives images/")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var flags deriveFlags
	cmd := &cobra.Command{
		Use:   "stream <image>",
		Short: "Derive every variant in memory and print each as it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			p, stop := flags.pipeline(cmd.Context(), nil)
			defer stop()
			items, err := p.Stream(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for item := range items {
				if item.Err != nil {
					return item.Err
				}
				v := item.Variant
				fmt.Fprintf(out, "%-7s %4dx%-4d %7d bytes  aspect %s\n", v.URLSuffix, v.Width, v.Height, len(v.Buffer), v.AspectRatio)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newBlurHashCmd() *cobra.Command {
	var flags deriveFlags
	cmd := &cobra.Command{
		Use:   "blurhash <image>",
		Short: "Print the blur hash of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			src, err := media.Decode(req.Image, req.MimeType)
			if err != nil {
				return err
			}
			hash, err := media.BlurHash(src)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.mimeType, "mimetype", "", "Declared type (png, jpeg, gif, webp)")
	return cmd
}

func newUpCmd() *cobra.Command {
	var detach, skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start postgres, redis, minio and the atwany services",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "up"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			return runCommand(cmd.Context(), "docker", append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run docker compose in detached mode")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one of the service binaries with go run",
	}
	for _, name := range []string{"server", "api", "worker"} {
		cmd.AddCommand(newServiceRunner(name, "./cmd/"+name))
	}
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), "go", append([]string{"run", path}, args...)...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	slog.Debug("exec", slog.String("cmd", name), slog.Any("args", args))
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
