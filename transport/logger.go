package transport

import "github.com/golang/glog"

// glogLogger adapts glog to kcp.Logger. Debugf is routed through glog.V(2)
// so it stays silent at the default verbosity.
type glogLogger struct{}

func (glogLogger) Debugf(format string, args ...interface{}) {
	if glog.V(2) {
		glog.Infof(format, args...)
	}
}
