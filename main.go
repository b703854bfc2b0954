package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vox.town/gateway"
	"vox.town/tail"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(gateway.ServeCmd)
	rootCmd.AddCommand(tail.TailCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(setupCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	// Bind flags to viper
	viper.BindPFlag(
		"gemini_api_key",
		rootCmd.PersistentFlags().Lookup("gemini-api-key"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	viper.SetConfigName("voxd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/voxd")
	viper.AutomaticEnv()

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = createLogger()
	log.SetDefault(logger)
}

// setDefaults covers the keys that have no command flag. The flagged
// keys (http.bind, stt.worker_cmd, ...) get their defaults from the
// flag definitions.
func setDefaults() {
	viper.SetDefault("stt.queue_bound", 64)
	viper.SetDefault("stt.drain_interval", 100*time.Millisecond)
	viper.SetDefault("stt.drain_batch", 8)
	viper.SetDefault("stt.policy", "drop_newest")
	viper.SetDefault("stt.grace_ttl", 10*time.Second)
	viper.SetDefault("tts.grace_ttl", 10*time.Second)
}

var rootCmd = &cobra.Command{
	Use:   "voxd",
	Short: "voxd is a local daemon for voice sessions",
	Long:  `voxd hosts speech-to-text and text-to-speech workers and serves their sessions to local tools over websockets.`,
}

func createLogger() *log.Logger {
	l := log.New(os.Stderr)
	if viper.GetBool("verbose") {
		l.SetLevel(log.DebugLevel)
	}
	l.SetReportCaller(true)
	l.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	l.SetStyles(styles)
	return l
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
