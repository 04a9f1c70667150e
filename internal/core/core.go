// Package core contains the main struct of the software.
package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	"github.com/onideus/gaming-capture/internal/conf"
	"github.com/onideus/gaming-capture/internal/confwatcher"
	"github.com/onideus/gaming-capture/internal/distributor"
	"github.com/onideus/gaming-capture/internal/ingest"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/servers/ipc"
	"github.com/onideus/gaming-capture/internal/servers/webrtc"
	"github.com/onideus/gaming-capture/internal/unit"
)

var version = "v0.0.0"

var defaultConfPaths = []string{
	"gateway.yml",
	"/usr/local/etc/gateway.yml",
	"/etc/gateway/gateway.yml",
}

var cli struct {
	Version  bool   `help:"print version"`
	Confpath string `arg:"" default:""`
}

// Core is an instance of the gateway.
type Core struct {
	ctx           context.Context
	ctxCancel     func()
	confPath      string
	conf          *conf.Conf
	logger        *logger.Logger
	queue         *ingest.Queue
	ipcServer     *ipc.Server
	webRTCServer  *webrtc.Server
	distributor   *distributor.Distributor
	confWatcher   *confwatcher.ConfWatcher

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("gaming-capture gateway "+version),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "confpath":
				return "path to a config file. The default is gateway.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		done:      make(chan struct{}),
	}

	p.conf, p.confPath, err = conf.Load(cli.Confpath, defaultConfPaths)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	err = p.createResources(true)
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources(nil)
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) run() {
	defer close(p.done)

	confChanged := func() chan struct{} {
		if p.confWatcher != nil {
			return p.confWatcher.Watch()
		}
		return make(chan struct{})
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

outer:
	for {
		select {
		case <-confChanged:
			p.Log(logger.Info, "reloading configuration (file changed)")

			newConf, _, err := conf.Load(p.confPath, nil)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

			err = p.reloadConf(newConf)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

		case <-interrupt:
			p.Log(logger.Info, "shutting down gracefully")
			break outer

		case <-p.ctx.Done():
			break outer
		}
	}

	p.ctxCancel()

	p.closeResources(nil)
}

func (p *Core) createResources(initial bool) error {
	var err error

	if p.logger == nil {
		p.logger = &logger.Logger{
			Level:        logger.Level(p.conf.LogLevel),
			Destinations: p.conf.LogDestinations.ToDestinations(),
			File:         p.conf.LogFile,
		}
		err = p.logger.Initialize()
		if err != nil {
			return err
		}
	}

	if initial {
		p.Log(logger.Info, "gaming-capture gateway %s", version)
		if p.confPath == "" {
			p.Log(logger.Warn, "configuration file not found, using defaults")
		}

		gin.SetMode(gin.ReleaseMode)
	}

	if p.queue == nil {
		p.queue = &ingest.Queue{
			VideoQueueSize: p.conf.VideoQueueSize,
			AudioQueueSize: p.conf.AudioQueueSize,
			Parent:         p,
		}
		p.queue.Initialize()
	}

	if p.webRTCServer == nil {
		p.webRTCServer = &webrtc.Server{
			Address:          p.conf.HTTPListenAddr,
			AllowedOrigins:   p.conf.AllowedOrigins,
			ReadTimeout:      p.conf.ReadTimeout,
			VideoCodec:       unit.Codec(p.conf.VideoCodec),
			MaxBitrateKbps:   p.conf.MaxBitrateKbps,
			MaxSessions:      p.conf.MaxSessions,
			WriteQueueSize:   p.conf.WriteQueueSize,
			HandshakeTimeout: p.conf.HandshakeTimeout,
			LocalUDPAddress:  p.conf.WebRTCLocalUDPAddress,
			ICEServers:       p.conf.WebRTCICEServers,
			Parent:           p,
		}
		err = p.webRTCServer.Initialize()
		if err != nil {
			return err
		}

		p.webRTCServer.SetOnPeerConnected(func(peerID string) {
			p.Log(logger.Info, "peer %s connected", peerID)
		})
		p.webRTCServer.SetOnPeerDisconnected(func(peerID string) {
			p.Log(logger.Info, "peer %s disconnected", peerID)
		})
	}

	if p.ipcServer == nil {
		p.ipcServer = &ipc.Server{
			SocketPath: p.conf.IPCSocketPath,
			Queue:      p.queue,
			Parent:     p,
		}
		err = p.ipcServer.Initialize()
		if err != nil {
			return err
		}
	}

	if p.distributor == nil {
		p.distributor = &distributor.Distributor{
			Queue:  p.queue,
			Writer: p.webRTCServer,
			Parent: p,
		}
		p.distributor.Initialize()
	}

	if initial && p.confPath != "" {
		p.confWatcher = &confwatcher.ConfWatcher{FilePath: p.confPath}
		err = p.confWatcher.Initialize()
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Core) closeResources(newConf *conf.Conf) {
	closeLogger := newConf == nil ||
		newConf.LogLevel != p.conf.LogLevel ||
		!reflect.DeepEqual(newConf.LogDestinations, p.conf.LogDestinations) ||
		newConf.LogFile != p.conf.LogFile

	closeQueue := newConf == nil ||
		newConf.VideoQueueSize != p.conf.VideoQueueSize ||
		newConf.AudioQueueSize != p.conf.AudioQueueSize

	closeIPCServer := closeQueue ||
		newConf.IPCSocketPath != p.conf.IPCSocketPath

	closeWebRTCServer := newConf == nil ||
		newConf.HTTPListenAddr != p.conf.HTTPListenAddr ||
		!reflect.DeepEqual(newConf.AllowedOrigins, p.conf.AllowedOrigins) ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.VideoCodec != p.conf.VideoCodec ||
		newConf.MaxBitrateKbps != p.conf.MaxBitrateKbps ||
		newConf.MaxSessions != p.conf.MaxSessions ||
		newConf.WriteQueueSize != p.conf.WriteQueueSize ||
		newConf.HandshakeTimeout != p.conf.HandshakeTimeout ||
		newConf.WebRTCLocalUDPAddress != p.conf.WebRTCLocalUDPAddress ||
		!reflect.DeepEqual(newConf.WebRTCICEServers, p.conf.WebRTCICEServers)

	closeDistributor := closeQueue || closeWebRTCServer

	if newConf == nil && p.confWatcher != nil {
		p.confWatcher.Close()
		p.confWatcher = nil
	}

	// stop intake first, then drain, then drop peers
	if closeIPCServer && p.ipcServer != nil {
		p.ipcServer.Close()
		p.ipcServer = nil
	}

	if closeDistributor && p.distributor != nil {
		p.distributor.Close()
		p.distributor = nil
	}

	if closeWebRTCServer && p.webRTCServer != nil {
		p.webRTCServer.Close()
		p.webRTCServer = nil
	}

	if closeQueue && p.queue != nil {
		p.queue.Close()
		p.queue = nil
	}

	if closeLogger && p.logger != nil {
		p.logger.Close()
		p.logger = nil
	}
}

func (p *Core) reloadConf(newConf *conf.Conf) error {
	p.closeResources(newConf)
	p.conf = newConf
	return p.createResources(false)
}
