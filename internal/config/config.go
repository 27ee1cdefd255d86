// Package config loads the merchant daemon's configuration: a
// package-level Load() populating a typed struct from the repeated,
// prefixed sections the backend requires: instance-<id>,
// merchant-account-<name>, merchant-auditor-<name>, exchange-<name>.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Merchant carries the top-level [merchant] section.
type Merchant struct {
	WireTransferDelay        time.Duration
	DefaultPayDeadline       time.Duration
	DefaultMaxWireFee        string // "CUR:0.05", parsed by callers with pkg/amount
	DefaultMaxDepositFee     string
	DefaultWireFeeAmortization uint32
	WireFormat               string
	Currency                 string
	Port                     int
	Serve                    string // "tcp" | "unix"
	UnixPath                 string
	UnixPathMode             string
	BindTo                   string
	TrustedExchanges         []string
}

// InstanceSection is one `instance-<id>` section.
type InstanceSection struct {
	ID                    string
	Name                  string
	KeyFile               string
	TipExchange           string
	TipReservePrivFilename string
}

// AccountSection is one `merchant-account-<name>` section.
type AccountSection struct {
	Name           string
	PaytoURI       string
	WireResponse   string
	WireFileMode   string
	HonoredBy      map[string]bool // instance id -> HONOR_<id>
	ActiveFor      map[string]bool // instance id -> ACTIVE_<id>
}

// AuditorSection is one `merchant-auditor-<name>` section.
type AuditorSection struct {
	Name      string
	URI       string
	PublicKey string
}

// ExchangeSection is one `exchange-<name>` section.
type ExchangeSection struct {
	Token    string
	BaseURL  string
	MasterKey string
}

// Config is the fully parsed configuration file.
type Config struct {
	Merchant  Merchant
	Instances []InstanceSection
	Accounts  []AccountSection
	Auditors  []AuditorSection
	Exchanges []ExchangeSection
}

// Load reads path (an INI file in the Taler-style configuration format)
// after loading a ".env" file from the current working directory, if one
// exists, into the process environment. Every Config value comes from
// the INI file; environment variables do not override it. A missing
// .env is not an error; a missing or malformed config file is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		logrus.WithError(err).Debug("config: no .env overlay found, continuing")
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := parseMerchant(f, cfg); err != nil {
		return nil, err
	}
	parseInstances(f, cfg)
	parseAccounts(f, cfg)
	parseAuditors(f, cfg)
	parseExchanges(f, cfg)
	return cfg, nil
}

func parseMerchant(f *ini.File, cfg *Config) error {
	sec := f.Section("merchant")
	m := Merchant{
		WireTransferDelay:          sec.Key("WIRE_TRANSFER_DELAY").MustDuration(24 * time.Hour),
		DefaultPayDeadline:         sec.Key("DEFAULT_PAY_DEADLINE").MustDuration(time.Hour),
		DefaultMaxWireFee:          sec.Key("DEFAULT_MAX_WIRE_FEE").MustString(""),
		DefaultMaxDepositFee:       sec.Key("DEFAULT_MAX_DEPOSIT_FEE").MustString(""),
		DefaultWireFeeAmortization: uint32(sec.Key("DEFAULT_WIRE_FEE_AMORTIZATION").MustUint(1)),
		WireFormat:                 sec.Key("WIREFORMAT").MustString("iban"),
		Currency:                   sec.Key("CURRENCY").MustString(""),
		Port:                       sec.Key("PORT").MustInt(8080),
		Serve:                      sec.Key("serve").MustString("tcp"),
		UnixPath:                   sec.Key("unixpath").MustString(""),
		UnixPathMode:               sec.Key("unixpath_mode").MustString("660"),
		BindTo:                     sec.Key("BIND_TO").MustString(""),
	}
	if m.Currency == "" {
		return fmt.Errorf("config: [merchant] CURRENCY is required")
	}
	tokens := strings.Fields(sec.Key("TRUSTED_EXCHANGES").MustString(""))
	m.TrustedExchanges = tokens
	cfg.Merchant = m
	return nil
}

func parseInstances(f *ini.File, cfg *Config) {
	for _, sec := range f.Sections() {
		id, ok := strings.CutPrefix(sec.Name(), "instance-")
		if !ok {
			continue
		}
		cfg.Instances = append(cfg.Instances, InstanceSection{
			ID:                     id,
			Name:                   sec.Key("NAME").String(),
			KeyFile:                sec.Key("KEYFILE").String(),
			TipExchange:            sec.Key("TIP_EXCHANGE").String(),
			TipReservePrivFilename: sec.Key("TIP_RESERVE_PRIV_FILENAME").String(),
		})
	}
}

func parseAccounts(f *ini.File, cfg *Config) {
	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "merchant-account-")
		if !ok {
			continue
		}
		acc := AccountSection{
			Name:         name,
			PaytoURI:     sec.Key("PAYTO_URI").String(),
			WireResponse: sec.Key("WIRE_RESPONSE").String(),
			WireFileMode: sec.Key("WIRE_FILE_MODE").MustString("600"),
			HonoredBy:    map[string]bool{},
			ActiveFor:    map[string]bool{},
		}
		for _, k := range sec.Keys() {
			if id, ok := strings.CutPrefix(k.Name(), "HONOR_"); ok {
				acc.HonoredBy[id] = k.MustBool(false)
			}
			if id, ok := strings.CutPrefix(k.Name(), "ACTIVE_"); ok {
				acc.ActiveFor[id] = k.MustBool(true)
			}
		}
		cfg.Accounts = append(cfg.Accounts, acc)
	}
}

func parseAuditors(f *ini.File, cfg *Config) {
	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "merchant-auditor-")
		if !ok {
			continue
		}
		cfg.Auditors = append(cfg.Auditors, AuditorSection{
			Name:      name,
			URI:       sec.Key("URI").String(),
			PublicKey: sec.Key("PUBLIC_KEY").String(),
		})
	}
}

func parseExchanges(f *ini.File, cfg *Config) {
	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "exchange-")
		if !ok {
			continue
		}
		cfg.Exchanges = append(cfg.Exchanges, ExchangeSection{
			Token:     name,
			BaseURL:   sec.Key("BASE_URL").String(),
			MasterKey: sec.Key("MASTER_KEY").String(),
		})
	}
}

// ExchangeByToken finds the exchange-<token> section matching one of
// the space-separated TRUSTED_EXCHANGES tokens.
func (c *Config) ExchangeByToken(token string) (ExchangeSection, bool) {
	for _, e := range c.Exchanges {
		if e.Token == token {
			return e, true
		}
	}
	return ExchangeSection{}, false
}
