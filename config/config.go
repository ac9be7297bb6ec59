package config

import (
	"os"

	"github.com/Clouded-Sabre/Simple-TCP/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML file and overlays it on the library defaults. Core and
// connection settings share one flat document; keys that are absent keep their default.
func LoadConfig(path string) (*lib.CoreConfig, *lib.ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*lib.CoreConfig, *lib.ConnectionConfig, error) {
	coreConfig := lib.DefaultCoreConfig()
	if err := yaml.Unmarshal(data, coreConfig); err != nil {
		return nil, nil, errors.Wrap(err, "parse core config")
	}

	connConfig := lib.DefaultConnectionConfig()
	if err := yaml.Unmarshal(data, connConfig); err != nil {
		return nil, nil, errors.Wrap(err, "parse connection config")
	}

	if err := validate(coreConfig, connConfig); err != nil {
		return nil, nil, err
	}

	coreConfig.ConnConfig = connConfig
	return coreConfig, connConfig, nil
}

func validate(core *lib.CoreConfig, conn *lib.ConnectionConfig) error {
	switch {
	case core.ClientPortLower <= 0 || core.ClientPortUpper > 65535 || core.ClientPortLower > core.ClientPortUpper:
		return errors.Errorf("client port range %d-%d is invalid", core.ClientPortLower, core.ClientPortUpper)
	case core.PacketLossRate < 0 || core.PacketLossRate >= 1:
		return errors.Errorf("packet_loss_rate %v must be in [0, 1)", core.PacketLossRate)
	case core.PayloadPoolSize <= 0:
		return errors.Errorf("payload_pool_size %d must be positive", core.PayloadPoolSize)
	case conn.RetransmissionInterval <= 0:
		return errors.New("retransmission_interval must be positive")
	case conn.TimeWaitInterval <= 0:
		return errors.New("time_wait_interval must be positive")
	case conn.LingerInterval <= 0:
		return errors.New("linger_interval must be positive")
	case conn.MaxRetransmissions < 0:
		return errors.New("max_retransmissions must not be negative")
	}
	return nil
}
