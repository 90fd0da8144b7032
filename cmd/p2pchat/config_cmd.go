package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gosuda/p2pchat/internal/chat"
)

var flagConfigOut string

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration as flat key = value lines",
		RunE:  runConfig,
	}
	cmd.Flags().StringVar(&flagConfigOut, "out", "", "write the rendered configuration to this file instead of stdout")
	return cmd
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := chat.NewConfig()
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	var w io.Writer = os.Stdout
	if flagConfigOut != "" {
		f, err := os.Create(flagConfigOut)
		if err != nil {
			return exitError{code: exitConfigError, err: err}
		}
		defer f.Close()
		w = f
	}

	fmt.Fprint(w, renderConfig(cfg))
	return nil
}

// renderConfig emits every recognized option of §3 as a "key = value" line,
// sorted by key for a stable, diffable output.
func renderConfig(cfg chat.Config) string {
	exts := make([]string, 0, len(cfg.MediaExtensions))
	for ext := range cfg.MediaExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	lines := map[string]string{
		"nickname":           cfg.Nickname,
		"listen_port":        fmt.Sprintf("%d", cfg.ListenPort),
		"read_buffer_bytes":  fmt.Sprintf("%d", cfg.ReadBufferBytes),
		"heartbeat_interval": cfg.HeartbeatInterval.String(),
		"reconnect_attempts": fmt.Sprintf("%d", cfg.ReconnectAttempts),
		"reconnect_delay":    cfg.ReconnectDelay.String(),
		"encryption_enabled": fmt.Sprintf("%v", cfg.EncryptionEnabled),
		"max_file_bytes":     fmt.Sprintf("%d", cfg.MaxFileBytes),
		"download_directory": cfg.DownloadDirectory,
		"auto_open_media":    fmt.Sprintf("%v", cfg.AutoOpenMedia),
		"media_extensions":   strings.Join(exts, ","),
		"log_level":          cfg.LogLevel,
		"save_history":       fmt.Sprintf("%v", cfg.SaveHistory),
	}

	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, lines[k])
	}
	return b.String()
}
