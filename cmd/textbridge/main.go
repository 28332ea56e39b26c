package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"textbridge/internal/config"
	"textbridge/internal/logging"
	"textbridge/internal/pending"
	"textbridge/internal/protocol"
	"textbridge/internal/transport"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "textbridge",
	Short: "textbridge - reliable text formatting bridge",
	Long: `textbridge bridges a short-lived client against a long-lived host.

The host daemon fronts the upstream text service behind a two-tier cache
and answers every request twice: once as a direct reply and once as a
push on the event stream. The client commands resolve whichever copy
arrives first and discard the other.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// formatCmd reformats text through the host.
var formatCmd = &cobra.Command{
	Use:   "format [text]",
	Short: "Reformat text via the host daemon",
	Long: `Sends text to the host for reformatting and prints the result.

Reads from stdin when no argument is given:
  cat draft.txt | textbridge format --template blog`,
	RunE: runFormat,
}

var formatTemplate string
var formatSourceURL string
var formatFile string

// templatesCmd lists the available reformatting templates.
var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available reformatting templates",
	RunE:  runTemplates,
}

// statsCmd prints usage statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics for the current identity",
	RunE:  runStats,
}

// pingCmd checks that the host is reachable.
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check host daemon connectivity",
	RunE:  runPing,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.textbridge/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Operation timeout")

	formatCmd.Flags().StringVar(&formatTemplate, "template", "", "Template id to apply")
	formatCmd.Flags().StringVar(&formatSourceURL, "source-url", "", "Source URL to record with the request")
	formatCmd.Flags().StringVarP(&formatFile, "file", "f", "", "Read the text to format from a file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// peripheral bundles the client side of the channel: an HTTP connection to
// the host with the push stream attached to the pending table.
type peripheral struct {
	client  *transport.Client
	channel *transport.HTTPChannel
	corr    *transport.Correlator
	opts    transport.CallOptions
}

func dialHost(ctx context.Context) (*peripheral, error) {
	channel := transport.NewHTTPChannel(cfg.Transport.HostURL, cfg.GetTransportTimeout())
	if err := channel.Connect(ctx); err != nil {
		logger.Warn("Push stream unavailable, relying on direct replies", zap.Error(err))
	}

	table := pending.NewTable()
	corr := transport.NewCorrelator(table)
	corr.RequireCorrelation = cfg.Transport.RequireCorrelation
	corr.Attach(channel)

	return &peripheral{
		client:  transport.NewClient(channel, table),
		channel: channel,
		corr:    corr,
		opts: transport.CallOptions{
			Timeout:     cfg.GetTransportTimeout(),
			Retries:     cfg.Transport.Retries,
			BackoffBase: cfg.GetBackoffBase(),
			BackoffCap:  cfg.GetBackoffCap(),
		},
	}, nil
}

func (p *peripheral) close() {
	p.corr.Detach()
	_ = p.channel.Close()
}

func (p *peripheral) call(ctx context.Context, action protocol.Action, payload interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		raw = data
	}
	return p.client.Call(ctx, protocol.Message{Action: action, Payload: raw}, p.opts)
}

func runFormat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	text := strings.Join(args, " ")
	if formatFile != "" {
		data, err := os.ReadFile(formatFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", formatFile, err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to format: pass text as an argument or on stdin")
	}

	p, err := dialHost(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	payload, err := p.call(ctx, protocol.ActionFormat, protocol.FormatRequest{
		Text:       text,
		TemplateID: formatTemplate,
		SourceURL:  formatSourceURL,
	})
	if err != nil {
		return err
	}

	var result protocol.FormatResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	fmt.Println(result.FormattedText)
	return nil
}

func runTemplates(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := dialHost(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	payload, err := p.call(ctx, protocol.ActionTemplatesList, nil)
	if err != nil {
		return err
	}

	var templates []protocol.Template
	if err := json.Unmarshal(payload, &templates); err != nil {
		return fmt.Errorf("failed to decode templates: %w", err)
	}
	if len(templates) == 0 {
		fmt.Println("No templates available.")
		return nil
	}
	for _, t := range templates {
		if t.Description != "" {
			fmt.Printf("%-20s %s - %s\n", t.ID, t.Name, t.Description)
		} else {
			fmt.Printf("%-20s %s\n", t.ID, t.Name)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := dialHost(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	payload, err := p.call(ctx, protocol.ActionStatsGet, nil)
	if err != nil {
		return err
	}

	var stats protocol.UsageStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}
	fmt.Printf("Formats used: %d", stats.FormatCount)
	if stats.QuotaLimit > 0 {
		fmt.Printf(" / %d", stats.QuotaLimit)
	}
	fmt.Println()
	if stats.PeriodStart > 0 {
		fmt.Printf("Period start: %s\n", time.UnixMilli(stats.PeriodStart).Format(time.RFC3339))
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := dialHost(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	start := time.Now()
	if _, err := p.call(ctx, protocol.ActionPing, nil); err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}
	fmt.Printf("Host at %s answered in %s\n", cfg.Transport.HostURL, time.Since(start).Round(time.Millisecond))
	return nil
}
