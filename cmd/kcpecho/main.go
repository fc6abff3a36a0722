package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ARwMq9b6/kcpcore/transport"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)

		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
}

func _main() error {
	var configFile string
	flag.StringVar(&configFile, "c", "./config.toml", "path of config file")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if conf.MetricsListen != "" {
		go serveMetrics(conf.MetricsListen, reg)
	}

	switch conf.Mode {
	case "server":
		return runServer(conf, reg)
	case "client":
		return runClient(conf, reg)
	default:
		return errors.Errorf("config.toml: mode must be \"server\" or \"client\", got %q", conf.Mode)
	}
}

func serveMetrics(laddr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(laddr, mux); err != nil {
		glog.Errorf("kcpecho: metrics listener: %v\n", err)
	}
}

func runServer(conf *configRepr, reg *prometheus.Registry) error {
	var opts []transport.ListenerOption
	if conf.SessionTTLSeconds > 0 {
		opts = append(opts, transport.WithSessionTTL(time.Duration(conf.SessionTTLSeconds)*time.Second))
	}
	if conf.RateLimitBytesSec > 0 {
		opts = append(opts, transport.WithOutputRateLimit(conf.RateLimitBytesSec))
	}
	if conf.NoDelay.Enable {
		opts = append(opts, transport.WithNoDelay(true, conf.NoDelay.IntervalMS, conf.NoDelay.Resend, conf.NoDelay.FastLimit, conf.NoDelay.NoCwnd))
	}

	ln, err := transport.ListenWithOptions("udp", conf.Listen, reg, opts...)
	if err != nil {
		return errors.WithStack(err)
	}
	glog.Infof("kcpecho: listening on %s\n", ln.Addr())

	for {
		sess, err := ln.Accept()
		if err != nil {
			return err
		}
		go echoSession(sess)
	}
}

func echoSession(sess *transport.Session) {
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			glog.V(1).Infof("kcpecho: session %d from %s closed: %v\n", sess.Conv(), sess.RemoteAddr(), err)
			return
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			glog.Warningf("kcpecho: session %d echo write: %v\n", sess.Conv(), err)
			return
		}
	}
}

func runClient(conf *configRepr, reg *prometheus.Registry) error {
	var opts []transport.DialerOption
	if conf.DNS.Nameserver != "" {
		opts = append(opts, transport.WithDNSNameserver(conf.DNS.Nameserver))
	}
	if conf.SOCKS5Proxy != "" {
		opts = append(opts, transport.WithSOCKS5Rendezvous(conf.SOCKS5Proxy))
	}
	if conf.NoDelay.Enable {
		opts = append(opts, transport.WithNoDelay(true, conf.NoDelay.IntervalMS, conf.NoDelay.Resend, conf.NoDelay.FastLimit, conf.NoDelay.NoCwnd))
	}

	sess, err := transport.Dial("udp", conf.Dial, reg, opts...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer sess.Close()

	ping := []byte("hello from kcpecho")
	if _, err := sess.Write(ping); err != nil {
		return errors.WithStack(err)
	}

	buf := make([]byte, 64*1024)
	n, err := sess.Read(buf)
	if err != nil {
		return errors.WithStack(err)
	}
	glog.Infof("kcpecho: echoed %d bytes: %q\n", n, buf[:n])
	return nil
}
