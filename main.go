package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/nat64"
	"github.com/treemana/dnsproxy/proxy"
	"github.com/treemana/dnsproxy/resolver"
	"github.com/treemana/dnsproxy/tcp"
	"github.com/treemana/dnsproxy/udp"
	"github.com/treemana/dnsproxy/upstream"
	"github.com/treemana/dnsproxy/util"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "dnsproxy",
	Short:        "DNS proxy with DNS64 synthesis",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		option, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}

		if verbose {
			option.Log.Verbose = true
		}

		return run(cmd.Context(), option)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigFile, "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type server interface {
	Start()
	Stop()
}

func run(ctx context.Context, option *Option) error {

	// init log
	if err := initLog(option); err != nil {
		return err
	}
	defer log.Sync()

	inputs, err := util.InterfaceIndexes(option.Interfaces.Input)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	var prefix nat64.Prefix
	if len(option.DNS64.Prefix) > 0 {
		if prefix, err = nat64.ParsePrefix(option.DNS64.Prefix); err != nil {
			log.Sugar.Error(err)
			return err
		}
	}

	subnets, err := getSubnets(option)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	bind, err := getBind(option)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	up, err := upstream.New(option.Upstream.Resolvers, subnets, bind)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	// callbacks of the resolver run on the engine goroutine
	var engine *proxy.Engine
	c := cache.New(option.Cache.Config)
	r := resolver.New(c, up, func(fn func()) { engine.Post(fn) }, option.Upstream.Timeout)

	engine, err = proxy.New(proxy.Config{
		Inputs:     inputs,
		Prefix:     prefix,
		ForceAAAA:  option.DNS64.ForceAAAA,
		MaxClients: option.Server.MaxClients,
	}, r)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	address, err := netip.ParseAddr(option.Server.Address)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}
	listen := netip.AddrPortFrom(address, uint16(option.Server.Port))

	var servers []server
	defer func() {
		for _, s := range servers {
			s.Stop()
		}
	}()

	if option.Server.UDP {
		s, err := udp.New(listen, engine)
		if err != nil {
			log.Sugar.Error(err)
			return err
		}
		servers = append(servers, s)
	}

	if option.Server.TCP {
		s, err := tcp.New(listen, engine, tcpIdle(option.Upstream.Timeout))
		if err != nil {
			log.Sugar.Error(err)
			return err
		}
		servers = append(servers, s)
	}

	if len(servers) == 0 {
		return errors.New("neither udp nor tcp server enabled")
	}

	// dnsproxy is running until os exit
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start(ctx, option.Cache.CleanInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})

	for _, s := range servers {
		s.Start()
	}

	err = g.Wait()
	log.Sugar.Info("dnsproxy stopped")
	return err
}

func initLog(option *Option) error {
	lc := log.Config{
		File:       option.Log.File,
		STDOUT:     option.Log.STDOUT,
		MaxAge:     2,
		MaxSize:    10,
		MaxBackups: 100,
		JsonFormat: option.Log.JSON,
	}

	if option.Log.Verbose {
		lc.Level = -1
	}

	if err := log.Init(lc); err != nil {
		fmt.Println("log init error", err)
		return err
	}

	return nil
}

// tcpIdle is how long a tcp connection may wait for its next query.  It
// outlasts an upstream exchange so that a pending answer still finds its
// connection.
func tcpIdle(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = resolver.DefaultTimeout
	}
	return max(10*time.Second, timeout+time.Second)
}
