// Package state owns the HCL configuration tree and the device
// snapshot the poller reads from.
package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/log2"
	tele_config "github.com/mlutra/fieldgate/tele/config"
)

type Config struct { //nolint:maligned
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Gateway struct {
		ID string `hcl:"id"`
	} `hcl:"gateway"`

	Poll struct {
		TickMs        int `hcl:"tick_ms"`
		MaxConcurrent int `hcl:"max_concurrent"`
		MaxRetries    int `hcl:"max_retries"`
		MaxTimeouts   int `hcl:"max_timeouts"`
		BackoffMinMs  int `hcl:"backoff_min_ms"`
		BackoffMaxMs  int `hcl:"backoff_max_ms"`
	} `hcl:"poll"`

	SerialBuses []BusConfig `hcl:"serial_bus"`

	TCP struct {
		PoolSize         int `hcl:"pool_size"`
		ConnectTimeoutMs int `hcl:"connect_timeout_ms"`
		ReadTimeoutMs    int `hcl:"read_timeout_ms"`
		IdleTimeoutSec   int `hcl:"idle_timeout_sec"`
		MaxLifetimeSec   int `hcl:"max_lifetime_sec"`
	} `hcl:"tcp"`

	Queue struct {
		BulkCapacity int    `hcl:"bulk_capacity"`
		LiveCapacity int    `hcl:"live_capacity"`
		LiveDevice   string `hcl:"live_device"`
		LiveTopic    string `hcl:"live_topic"`
	} `hcl:"queue"`

	Publish struct {
		Mode            string        `hcl:"mode"`
		Topic           string        `hcl:"topic"`
		IntervalMs      int           `hcl:"interval_ms"`
		MaxPerPass      int           `hcl:"max_per_pass"`
		RetryTimeoutSec int           `hcl:"retry_timeout_sec"`
		Routes          []RouteConfig `hcl:"route"`
	} `hcl:"publish"`

	Retry struct {
		Dir          string `hcl:"dir"`
		Capacity     int    `hcl:"capacity"`
		MaxPerPass   int    `hcl:"max_per_pass"`
		MaxRetries   int    `hcl:"max_retries"`
		IntervalMs   int    `hcl:"interval_ms"`
		BackoffMinMs int    `hcl:"backoff_min_ms"`
		BackoffMaxMs int    `hcl:"backoff_max_ms"`
	} `hcl:"retry"`

	Tele tele_config.Config `hcl:"tele"`

	Metrics struct {
		ListenAddr string `hcl:"listen"`
	} `hcl:"metrics"`

	Devices []DeviceConfig `hcl:"device"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type BusConfig struct {
	Name          string `hcl:"name,key"`
	Device        string `hcl:"device"`
	Baud          int    `hcl:"baud"`
	DataBits      int    `hcl:"data_bits"`
	Parity        string `hcl:"parity"`
	StopBits      int    `hcl:"stop_bits"`
	ReadTimeoutMs int    `hcl:"read_timeout_ms"`
}

type RouteConfig struct {
	Topic      string   `hcl:"topic,key"`
	IntervalMs int      `hcl:"interval_ms"`
	Registers  []string `hcl:"registers"`
}

type DeviceConfig struct {
	ID         string           `hcl:"id,key"`
	Name       string           `hcl:"name"`
	Transport  string           `hcl:"transport"`
	Bus        string           `hcl:"bus"`
	Addr       int              `hcl:"addr"`
	Endpoint   string           `hcl:"endpoint"`
	UnitID     int              `hcl:"unit_id"`
	IntervalMs int              `hcl:"interval_ms"`
	Disabled   bool             `hcl:"disabled"`
	Registers  []RegisterConfig `hcl:"register"`
}

type RegisterConfig struct {
	ID          string  `hcl:"id,key"`
	Name        string  `hcl:"name"`
	Address     int     `hcl:"address"`
	Function    string  `hcl:"function"`
	Words       int     `hcl:"words"`
	Type        string  `hcl:"type"`
	Order       string  `hcl:"order"`
	Scale       float64 `hcl:"scale"`
	Offset      float64 `hcl:"offset"`
	Unit        string  `hcl:"unit"`
	Description string  `hcl:"description"`
}

func (c *Config) Bus(name string) (BusConfig, bool) {
	for _, b := range c.SerialBuses {
		if b.Name == name {
			return b, true
		}
	}
	return BusConfig{}, false
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
