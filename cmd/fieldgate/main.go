// fieldgate polls field devices over serial and TCP buses and delivers
// calibrated samples to an MQTT broker, buffering through a durable
// retry queue across broker outages.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/internal/batch"
	"github.com/mlutra/fieldgate/internal/codec"
	"github.com/mlutra/fieldgate/internal/failure"
	"github.com/mlutra/fieldgate/internal/metric"
	"github.com/mlutra/fieldgate/internal/poller"
	"github.com/mlutra/fieldgate/internal/poller/modbus"
	"github.com/mlutra/fieldgate/internal/pool"
	"github.com/mlutra/fieldgate/internal/publish"
	"github.com/mlutra/fieldgate/internal/queue"
	"github.com/mlutra/fieldgate/internal/retryq"
	"github.com/mlutra/fieldgate/internal/state"
	teletransport "github.com/mlutra/fieldgate/internal/tele"
	"github.com/mlutra/fieldgate/log2"
	tele_api "github.com/mlutra/fieldgate/tele"
)

var BuildVersion string = "unknown" // set by ldflags

func main() {
	flagConfig := flag.String("config", "fieldgate.hcl", "")
	flagVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *flagVersion {
		os.Stdout.WriteString("fieldgate " + BuildVersion + "\n")
		return
	}

	log := log2.NewStderr(log2.LInfo)
	if sdnotify(log, "READY=0\nSTATUS=init") {
		// under systemd, journal already timestamps every line
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("fieldgate version=%s", BuildVersion)

	c := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	logLevel := log2.LInfo
	if c.Tele.LogDebug {
		logLevel = log2.LDebug
	}
	log.SetLevel(logLevel)

	reg := prometheus.NewRegistry()
	mtr := metric.NewSet(reg)
	if addr := c.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("metrics listen=%s %v", addr, err)
			}
		}()
		log.Infof("metrics listen=%s", addr)
	}

	var sink tele_api.Sinker = tele_api.Noop{}
	if c.Tele.Enabled {
		var err error
		if sink, err = teletransport.NewMqtt(log.Clone(logLevel), c.Tele); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	pollBackoff := &helpers.Backoff{
		Min: helpers.IntMillisecondDefault(c.Poll.BackoffMinMs, 100*time.Millisecond),
		Max: helpers.IntMillisecondDefault(c.Poll.BackoffMaxMs, 1600*time.Millisecond),
	}
	retryBackoff := &helpers.Backoff{
		Min: helpers.IntMillisecondDefault(c.Retry.BackoffMinMs, time.Second),
		Max: helpers.IntMillisecondDefault(c.Retry.BackoffMaxMs, 5*time.Minute),
	}

	tracker := failure.NewTracker(failure.Config{
		MaxRetries:  c.Poll.MaxRetries,
		MaxTimeouts: c.Poll.MaxTimeouts,
	}, pollBackoff, log)
	gate := batch.NewGate()
	acq := queue.NewAcquisition(
		intDefault(c.Queue.BulkCapacity, 1000),
		intDefault(c.Queue.LiveCapacity, 100),
		func(q string) { mtr.QueueDropped.WithLabelValues(q).Inc() })

	readTimeout := helpers.IntMillisecondDefault(c.TCP.ReadTimeoutMs, time.Second)
	connPool := pool.NewPool(pool.Config{
		Capacity:    c.TCP.PoolSize,
		IdleTimeout: helpers.IntSecondDefault(c.TCP.IdleTimeoutSec, pool.DefaultIdleTimeout),
		MaxLifetime: helpers.IntSecondDefault(c.TCP.MaxLifetimeSec, pool.DefaultMaxLifetime),
	}, func(endpoint string) (pool.Conn, error) {
		conn, err := modbus.DialTCP(endpoint, readTimeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	}, log)

	buses := make(map[string]poller.BusHandle, len(c.SerialBuses))
	for _, bc := range c.SerialBuses {
		if bc.Device == "" {
			log.Fatalf("config serial_bus=%s device is empty", bc.Name)
		}
		buses[bc.Name] = modbus.OpenBus(bc.Device, helpers.IntMillisecondDefault(bc.ReadTimeoutMs, 500*time.Millisecond))
	}

	rq, err := retryq.Open(retryq.Config{
		Dir:        stringDefault(c.Retry.Dir, "fieldgate-retry"),
		Capacity:   c.Retry.Capacity,
		MaxPerPass: c.Retry.MaxPerPass,
		MaxRetries: c.Retry.MaxRetries,
		Interval:   helpers.IntMillisecondDefault(c.Retry.IntervalMs, retryq.DefaultInterval),
	}, sink, retryBackoff, mtr, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	routes := make([]publish.Route, 0, len(c.Publish.Routes))
	for _, rc := range c.Publish.Routes {
		routes = append(routes, publish.Route{
			Topic:     rc.Topic,
			Interval:  helpers.IntMillisecondDefault(rc.IntervalMs, 0),
			Registers: rc.Registers,
		})
	}
	pub, err := publish.New(publish.Config{
		Mode:         publish.Mode(stringDefault(c.Publish.Mode, string(publish.ModeBatched))),
		Topic:        c.Publish.Topic,
		Interval:     helpers.IntMillisecondDefault(c.Publish.IntervalMs, publish.DefaultInterval),
		MaxPerPass:   c.Publish.MaxPerPass,
		RetryTimeout: helpers.IntSecondDefault(c.Publish.RetryTimeoutSec, publish.DefaultRetryTimeout),
		Routes:       routes,
	}, acq, gate, sink, rq, mtr, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	source := state.NewSource(log)
	if err := source.Apply(c); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	pollr := poller.New(poller.Config{
		Tick:          helpers.IntMillisecondDefault(c.Poll.TickMs, poller.DefaultTick),
		MaxConcurrent: c.Poll.MaxConcurrent,
	}, source, codec.Codec{}, tracker, gate, acq, connPool, buses, modbus.IsTimeout, mtr, log)
	if err := pollr.Refresh(); err != nil {
		log.Errorf("initial refresh %v", err)
	}

	a := alive.NewAlive()
	a.Add(1)
	go pollr.RunRefresh(a)
	for busName := range buses {
		a.Add(1)
		go pollr.RunSerial(a, busName)
	}
	a.Add(1)
	go pollr.RunTCP(a)
	a.Add(1)
	go connPool.Run(a, time.Minute)
	a.Add(1)
	go rq.Run(a)
	a.Add(1)
	go pub.Run(a)

	live := publish.NewLive(acq, sink, c.Queue.LiveTopic, time.Second, log)
	if c.Queue.LiveDevice != "" {
		live.Select(c.Queue.LiveDevice)
	}
	a.Add(1)
	go live.Run(a)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				log.Infof("sighup reloading config=%s", *flagConfig)
				fresh, err := state.ReadConfig(log, state.NewOsFullReader("."), *flagConfig)
				if err == nil {
					err = source.Apply(fresh)
				}
				if err != nil {
					log.Errorf("reload rejected: %s", errors.ErrorStack(err))
					continue
				}
				live.Select(fresh.Queue.LiveDevice)
				continue
			}
			log.Infof("signal=%v stopping", sig)
			a.Stop()
		}
	}()

	sdnotify(log, daemon.SdNotifyReady)
	log.Infof("init complete devices=%d", len(source.ListDevices()))
	a.Wait()

	sdnotify(log, daemon.SdNotifyStopping)
	for busName, bus := range buses {
		if err := bus.Close(); err != nil {
			log.Errorf("bus=%s close %v", busName, err)
		}
	}
	connPool.Close()
	sink.Close()
	log.Infof("stopped")
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

func intDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func stringDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
