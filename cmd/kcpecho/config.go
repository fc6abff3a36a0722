package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr mirrors the layout of cmd/dnsproxy's config.toml: one struct
// per concern, toml tags, decoded in one pass.
type configRepr struct {
	Mode string `toml:"mode"` // "server" or "client"

	Listen string `toml:"listen"` // server mode: udp laddr
	Dial   string `toml:"dial"`   // client mode: udp raddr

	MetricsListen string `toml:"metrics_listen"` // promhttp bind address, empty disables

	SessionTTLSeconds int `toml:"session_ttl_seconds"`
	RateLimitBytesSec int `toml:"rate_limit_bytes_sec"`

	NoDelay struct {
		Enable     bool `toml:"enable"`
		IntervalMS int  `toml:"interval_ms"`
		Resend     int  `toml:"resend"`
		FastLimit  int  `toml:"fast_limit"`
		NoCwnd     bool `toml:"no_cwnd"`
	} `toml:"nodelay"`

	DNS struct {
		Nameserver string `toml:"nameserver"`
	} `toml:"dns"`

	SOCKS5Proxy string `toml:"socks5_proxy"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	return &conf, nil
}
