package wtpsrv

import (
	"os"
	"time"

	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/wtpconn"
	"gopkg.in/yaml.v3"
)

// Config is the server's full runtime configuration, loadable from a YAML
// file and overridable by command-line flags in cmd/wtpserver.
type Config struct {
	LLRPAddress       string        `yaml:"llrp_address"`
	MetricsAddress    string        `yaml:"metrics_address"`
	LogLevel          string        `yaml:"log_level"`
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`
	WindowSize        int           `yaml:"window_size"`
	MaxMessageSize    int           `yaml:"max_message_size"`
}

// DefaultConfig returns the configuration used when no file or flags
// override it.
func DefaultConfig() Config {
	return Config{
		LLRPAddress:       "localhost:5084",
		MetricsAddress:    ":9273",
		LogLevel:          "info",
		RetransmitTimeout: wtpconn.DefaultRetransmitTimeout,
		WindowSize:        int(wtpconn.DefaultWindowSize),
		MaxMessageSize:    wtpconn.DefaultMaxMessageSize,
	}
}

// LoadConfig reads and parses a YAML config file, starting from
// DefaultConfig and overriding only the fields present in the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) windowSize() seq.Size { return seq.Size(c.WindowSize) }
