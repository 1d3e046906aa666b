package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-and-packages/catalog"
)

// EnvPrefix namespaces environment overrides, e.g. MAILPKG_IMAP_HOST.
const EnvPrefix = "MAILPKG"

// Config captures every option of a scan.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	MboxPath           string

	OutputDir     string
	GIFDuration   time.Duration
	ImageSecurity bool
	GenerateMP4   bool
	FFmpegPath    string

	Resources      []string
	AmazonForwards []string
	AmazonDomains  []string

	Interval     time.Duration
	Timeout      time.Duration
	DownloadWait time.Duration

	LogLevel string
	LogDir   string
	JSON     bool
}

// RegisterFlags attaches all options as persistent flags so every
// subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	cmd.SetGlobalNormalizationFunc(normalizeFlagName)
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file; keys match the flag names")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder to scan")
	flags.String("mbox", "", "Scan an mbox export instead of an IMAP server")
	flags.String("output-dir", "images", "Directory for the generated mail image and delivery photo")
	flags.Int("gif-duration", 5, "Seconds each mail piece is shown in the animation")
	flags.Bool("image-security", false, "Write the mail image under a random file name")
	flags.Bool("generate-mp4", false, "Also convert the mail image to an MP4 video with ffmpeg")
	flags.String("ffmpeg", "ffmpeg", "Path of the ffmpeg binary")
	flags.StringSlice("resources", catalog.DefaultSensors, "Sensors to compute, in order")
	flags.StringSlice("amazon-fwds", nil, "Addresses or domains Amazon mail is forwarded from")
	flags.StringSlice("amazon-domains", catalog.AmazonDomains, "Amazon storefront domains to search")
	flags.Duration("interval", 5*time.Minute, "Polling interval for watch")
	flags.Duration("timeout", 2*time.Minute, "Discard a watch cycle that runs longer than this")
	flags.Duration("download-wait", 10*time.Second, "How long scan waits for the delivery photo download")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a file in this directory")
	flags.Bool("json", false, "Print the result as JSON")
	return nil
}

// normalizeFlagName accepts the underscore spelling used by env vars and
// YAML keys, e.g. --imap_host.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// LoadConfig merges flags, MAILPKG_* environment variables, a .env file and
// the optional config file into a validated Config. Explicit flags win.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	imapPass := v.GetString("imap-pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	outputDir := v.GetString("output-dir")
	if outputDir != "" {
		outputDir = filepath.Clean(outputDir)
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           imapPass,
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Folder:             v.GetString("folder"),
		MboxPath:           v.GetString("mbox"),
		OutputDir:          outputDir,
		GIFDuration:        time.Duration(v.GetInt("gif-duration")) * time.Second,
		ImageSecurity:      v.GetBool("image-security"),
		GenerateMP4:        v.GetBool("generate-mp4"),
		FFmpegPath:         v.GetString("ffmpeg"),
		Resources:          list(v, "resources"),
		AmazonForwards:     list(v, "amazon-fwds"),
		AmazonDomains:      list(v, "amazon-domains"),
		Interval:           v.GetDuration("interval"),
		Timeout:            v.GetDuration("timeout"),
		DownloadWait:       v.GetDuration("download-wait"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		JSON:               v.GetBool("json"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// list reads a list option that may arrive as a flag slice, a YAML list or a
// comma-separated environment value.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" && cfg.MboxPath == "" {
		return errors.New("either --imap-host or --mbox is required")
	}
	if cfg.IMAPHost != "" && cfg.MboxPath == "" {
		if cfg.IMAPUser == "" {
			return errors.New("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return errors.New("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return errors.New("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.OutputDir == "" {
		return errors.New("--output-dir must not be empty")
	}
	if cfg.GIFDuration <= 0 {
		return errors.New("--gif-duration must be positive")
	}
	if cfg.Interval <= 0 {
		return errors.New("--interval must be positive")
	}
	if cfg.Timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	if cfg.DownloadWait < 0 {
		return errors.New("--download-wait must not be negative")
	}
	if len(cfg.Resources) == 0 {
		return errors.New("--resources must list at least one sensor")
	}
	if err := catalog.CheckOrder(cfg.Resources); err != nil {
		return fmt.Errorf("invalid --resources: %w", err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
