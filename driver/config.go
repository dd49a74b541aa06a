package driver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is a configuration for the driver application. Values from the
// host's init request take precedence over the terminal settings here.
type Config struct {
	HTTPAddr string

	// SmartPay Connect terminal
	Host        string
	Port        int
	Currency    int
	Country     int
	SourceID    string
	KioskNumber int
	DialTimeout time.Duration
	// ReadTimeout bounds the wait for each terminal reply chunk; zero waits
	// as long as the terminal takes.
	ReadTimeout time.Duration

	// OutPath receives a timestamped copy of every ticket.
	OutPath string
	// TicketPath is the file the kiosk prints the latest customer ticket from.
	TicketPath string

	RepoBackend string
	DBDSN       string

	// CallTimeout bounds bridge calls made by callers of this driver.
	CallTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    "localhost:9090",
		Port:        8000,
		Currency:    826,
		Country:     826,
		SourceID:    "1111",
		KioskNumber: 1,
		DialTimeout: 5 * time.Second,
		OutPath:     "out",
		TicketPath:  "ticket",
		RepoBackend: "mem",
		CallTimeout: 5 * time.Minute,
	}
}

// LoadConfig reads the flat KEY=VALUE settings file at path on top of the
// defaults, then applies environment overrides. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		entries, err := godotenv.Read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading settings file %s: %w", path, err)
		default:
			if err := cfg.apply(func(key string) (string, bool) {
				v, ok := entries[key]
				return v, ok && v != ""
			}); err != nil {
				return nil, fmt.Errorf("settings file %s: %w", path, err)
			}
		}
	}

	if err := cfg.apply(func(key string) (string, bool) {
		v := getenv(key, "")
		return v, v != ""
	}); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) apply(lookup func(key string) (string, bool)) error {
	strs := map[string]*string{
		"HOST":         &c.Host,
		"SOURCE_ID":    &c.SourceID,
		"OUT_PATH":     &c.OutPath,
		"TICKET_PATH":  &c.TicketPath,
		"HTTP_ADDR":    &c.HTTPAddr,
		"REPO_BACKEND": &c.RepoBackend,
		"DB_DSN":       &c.DBDSN,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":         &c.Port,
		"CURRENCY":     &c.Currency,
		"COUNTRY":      &c.Country,
		"KIOSK_NUMBER": &c.KioskNumber,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DIAL_TIMEOUT": &c.DialTimeout,
		"READ_TIMEOUT": &c.ReadTimeout,
		"CALL_TIMEOUT": &c.CallTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
