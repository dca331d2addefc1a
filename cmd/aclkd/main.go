// Command aclkd is a thin harness around the ACLK library: it loads
// configuration, loads the on-disk identity, and drives one link.Link for
// the life of the process. ACLK itself is a library; this daemon exists
// to exercise it, not as the deliverable (spec §1 OVERVIEW).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/netdata/aclk/internal/config"
	"github.com/netdata/aclk/pkg/acklog"
	"github.com/netdata/aclk/pkg/backoff"
	"github.com/netdata/aclk/pkg/httpsclient"
	"github.com/netdata/aclk/pkg/identity"
	"github.com/netdata/aclk/pkg/inflight"
	"github.com/netdata/aclk/pkg/link"
	"github.com/netdata/aclk/pkg/metrics"
	"github.com/netdata/aclk/pkg/outqueue"
	"github.com/netdata/aclk/pkg/proxyresolve"
)

const outboundQueueCapacity = 4096

const agentVersion = "1.0.0"

var (
	cfgFile     string
	machineGUID string
	claimID     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aclkd",
		Short: "Run the Agent-Cloud Link daemon",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "/etc/netdata/aclk.yaml", "path to the aclk config file")
	root.PersistentFlags().StringVar(&machineGUID, "machine-guid", "", "this agent's machine GUID")
	root.PersistentFlags().StringVar(&claimID, "claim-id", "", "this agent's claim id")
	viper.BindPFlag("machine_guid", root.PersistentFlags().Lookup("machine-guid"))
	viper.BindPFlag("claim_id", root.PersistentFlags().Lookup("claim-id"))
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := acklog.New()

	mg, err := uuid.Parse(viper.GetString("machine_guid"))
	if err != nil {
		return fmt.Errorf("aclkd: --machine-guid: %w", err)
	}
	cid, err := uuid.Parse(viper.GetString("claim_id"))
	if err != nil {
		return fmt.Errorf("aclkd: --claim-id: %w", err)
	}

	id, err := identity.Load(cfg.ClaimDir, mg, cid)
	if err != nil {
		return fmt.Errorf("aclkd: loading identity: %w", err)
	}

	proxy, err := proxyresolve.Resolve(proxyresolve.Config{Proxy: cfg.Proxy}, os.Getenv)
	if err != nil {
		return fmt.Errorf("aclkd: resolving proxy: %w", err)
	}

	cloudHost, cloudPort, err := splitCloudBaseURL(cfg.CloudBaseURL)
	if err != nil {
		return err
	}

	stats := metrics.New(cfg.Statistics, prometheus.DefaultRegisterer)
	queue := outqueue.New(outboundQueueCapacity)
	batch := outqueue.NewBatchQueue()
	tracker := inflight.New()
	bo := backoff.New(backoff.Params{Base: 2, MinS: 0, MaxS: 0}) // replaced per-attempt from /env

	httpClient := &httpsclient.Client{Proxy: proxy}

	l := link.New(link.Config{
		CloudHost:    cloudHost,
		CloudPort:    cloudPort,
		AgentVer:     agentVersion,
		Identity:     id,
		Capabilities: []string{"proto", "json", "alarms", "contexts"},
		IsClaimed:    func() bool { return true },
		HTTP:         httpClient,
		Proxy:        proxy,
		TLSConfig:    &tls.Config{},
		Backoff:      bo,
		Queue:        queue,
		BatchQueue:   batch,
		Tracker:      tracker,
		WorkerCount:  cfg.QueryThreadCount,
		Stats:        stats,
		Log:          log,
		Handlers:     newHandlersFactory(queue, tracker, log),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("aclkd: starting", "claim_id", id.ClaimIDString())
	err = l.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("aclkd: stopped")
	return nil
}

// splitCloudBaseURL breaks the configured cloud_base_url into the
// (host, port) pair bootstrap's HTTP requests dial directly.
func splitCloudBaseURL(raw string) (host, port string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("aclkd: cloud_base_url: %w", err)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("aclkd: cloud_base_url missing host")
	}
	port = u.Port()
	if port == "" {
		port = "443"
	}
	return host, port, nil
}
