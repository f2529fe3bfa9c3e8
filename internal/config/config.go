package config

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Config is the flat environment-variable contract the dialer is driven
// by. Unlike a nested application config, every key here is a literal
// external name so ARI_URL, MAX_CC etc. are documented in one place and
// re-readable verbatim on every /start hit.
type Config struct {
	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARITrunk    string

	OutboundNumber     string
	OutboundNumberFile string

	TargetEndpoint  string
	TargetExtension string
	TargetContext   string
	StasisApp       string

	CallTimeout time.Duration
	MaxCC       int
	CallerID    string

	RecordingsDir     string
	RecordingFormat   string
	RecordingSearch   []string

	DialRatePerSec float64

	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string
	MySQLTable    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ControlAddr string
	LogLevel    string
	LogFormat   string
}

var numberPattern = regexp.MustCompile(`^[0-9+*#]+$`)

// Load reads the flat environment contract via viper.AutomaticEnv, applies
// defaults for everything the spec marks optional, and validates the
// result. It is safe to call repeatedly (the control surface re-reads
// configuration on every /start).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	bindDefaults(v)

	cfg := &Config{
		ARIURL:      v.GetString("ARI_URL"),
		ARIUsername: v.GetString("ARI_USERNAME"),
		ARIPassword: v.GetString("ARI_PASSWORD"),
		ARITrunk:    v.GetString("ARI_TRUNK"),

		OutboundNumber:     v.GetString("OUTBOUND_NUMBER"),
		OutboundNumberFile: v.GetString("OUTBOUND_NUMBER_FILE"),

		TargetEndpoint:  v.GetString("TARGET_ENDPOINT"),
		TargetExtension: v.GetString("TARGET_EXTENSION"),
		TargetContext:   v.GetString("TARGET_CONTEXT"),
		StasisApp:       v.GetString("STASIS_APP"),

		CallTimeout: time.Duration(v.GetInt("CALL_TIMEOUT")) * time.Second,
		MaxCC:       v.GetInt("MAX_CC"),
		CallerID:    v.GetString("CALLER_ID"),

		RecordingsDir:   v.GetString("RECORDINGS_DIR"),
		RecordingFormat: v.GetString("RECORDING_FORMAT"),
		RecordingSearch: []string{
			v.GetString("RECORDINGS_DIR"),
			"/var/spool/asterisk/recording",
			"/var/spool/asterisk/monitor",
		},

		DialRatePerSec: v.GetFloat64("DIAL_RATE_PER_SEC"),

		MySQLHost:     v.GetString("MYSQL_HOST"),
		MySQLPort:     v.GetInt("MYSQL_PORT"),
		MySQLUser:     v.GetString("MYSQL_USER"),
		MySQLPassword: v.GetString("MYSQL_PASSWORD"),
		MySQLDatabase: v.GetString("MYSQL_DATABASE"),
		MySQLTable:    v.GetString("MYSQL_TABLE"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		ControlAddr: v.GetString("CONTROL_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper) {
	v.SetDefault("TARGET_EXTENSION", "777")
	v.SetDefault("TARGET_CONTEXT", "default2")
	v.SetDefault("STASIS_APP", "outbound_dialer")
	v.SetDefault("CALL_TIMEOUT", 30)
	v.SetDefault("MAX_CC", 1)
	v.SetDefault("RECORDING_FORMAT", "wav")
	v.SetDefault("DIAL_RATE_PER_SEC", 0)
	v.SetDefault("MYSQL_PORT", 3306)
	v.SetDefault("MYSQL_TABLE", "call_leg_timelines")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CONTROL_ADDR", "127.0.0.1:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Validate enforces the mandatory-configuration rules from §4.2/§6.
// Every failure is a fatal configuration error at start or re-trigger.
func (c *Config) Validate() error {
	if c.ARIURL == "" {
		return apperrors.New(apperrors.ErrConfig, "ARI_URL is required")
	}
	if c.ARIUsername == "" || c.ARIPassword == "" {
		return apperrors.New(apperrors.ErrConfig, "ARI_USERNAME and ARI_PASSWORD are required")
	}
	if c.ARITrunk == "" {
		return apperrors.New(apperrors.ErrConfig, "ARI_TRUNK is required")
	}
	if c.OutboundNumber == "" && c.OutboundNumberFile == "" {
		return apperrors.New(apperrors.ErrConfig, "OUTBOUND_NUMBER or OUTBOUND_NUMBER_FILE is required")
	}
	if c.MaxCC <= 0 {
		return apperrors.New(apperrors.ErrConfig, "MAX_CC must be a positive integer")
	}
	if c.RecordingsDir == "" {
		return apperrors.New(apperrors.ErrConfig, "RECORDINGS_DIR is required")
	}
	if c.MySQLDatabase == "" {
		return apperrors.New(apperrors.ErrConfig, "MYSQL_DATABASE is required")
	}
	return nil
}

// LoadNumbers implements loadNumbers() from §4.2: the file wins over the
// inline value when both are present (Open Question (a), preserved).
func (c *Config) LoadNumbers() ([]string, error) {
	var raw []string
	var err error

	switch {
	case c.OutboundNumberFile != "":
		raw, err = readNumberFile(c.OutboundNumberFile)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrFilesystem, "failed to read OUTBOUND_NUMBER_FILE")
		}
	default:
		raw = []string{c.OutboundNumber}
	}

	numbers := make([]string, 0, len(raw))
	for _, line := range raw {
		n := strings.TrimSpace(line)
		if n == "" {
			continue
		}
		if !numberPattern.MatchString(n) {
			logger.WithField("token", n).Warn("skipping invalid number token")
			continue
		}
		numbers = append(numbers, n)
	}

	if len(numbers) == 0 {
		return nil, apperrors.New(apperrors.ErrConfig, "number list is empty after validation")
	}
	return numbers, nil
}

func readNumberFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
