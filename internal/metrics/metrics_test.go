package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m.ConnectionsTotal == nil || m.ConnectionsActive == nil {
		t.Fatal("connection metrics not registered")
	}
	if m.LoginsTotal == nil || m.CommandsTotal == nil {
		t.Fatal("login/command metrics not registered")
	}
	if m.DriverCallDuration == nil {
		t.Fatal("driver duration metric not registered")
	}
	if m.BlocklistSize == nil || m.OffencesTotal == nil {
		t.Fatal("abuse metrics not registered")
	}
}

func TestMetrics_ConnectionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncConnection()
	m.IncConnection()
	m.DecConnection()

	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
}

func TestMetrics_Login(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncLogin(true)
	m.IncLogin(false)
	m.IncLogin(false)

	if got := testutil.ToFloat64(m.LoginsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LoginsTotal.WithLabelValues("failure")); got != 2 {
		t.Errorf("failure logins = %v, want 2", got)
	}
}

func TestMetrics_Command(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncCommand("block")
	m.IncCommand("block")
	m.IncCommand("list")

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("block")); got != 2 {
		t.Errorf("block commands = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("list")); got != 1 {
		t.Errorf("list commands = %v, want 1", got)
	}
}

func TestMetrics_DriverDuration(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDriverDuration("BlockTCPPort", 5*time.Millisecond)

	if got := testutil.CollectAndCount(m.DriverCallDuration); got != 1 {
		t.Errorf("DriverCallDuration series count = %v, want 1", got)
	}
}

func TestMetrics_AbuseSink(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBlocklistSize(3)
	m.IncOffence("login")
	m.IncOffence("socket")
	m.IncOffence("login")

	if got := testutil.ToFloat64(m.BlocklistSize); got != 3 {
		t.Errorf("BlocklistSize = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.OffencesTotal.WithLabelValues("login")); got != 2 {
		t.Errorf("login offences = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OffencesTotal.WithLabelValues("socket")); got != 1 {
		t.Errorf("socket offences = %v, want 1", got)
	}
}

func TestMetrics_IncPanic(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncPanic("server.handleConn")
	m.IncPanic("server.handleConn")
	m.IncPanic("server.wsHandleConn")

	if got := testutil.ToFloat64(m.PanicsTotal.WithLabelValues("server.handleConn")); got != 2 {
		t.Errorf("handleConn panics = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PanicsTotal.WithLabelValues("server.wsHandleConn")); got != 1 {
		t.Errorf("wsHandleConn panics = %v, want 1", got)
	}
}
