package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/philipp3923/rdrop/internal/appevents"
	"github.com/philipp3923/rdrop/internal/logging"
	"github.com/philipp3923/rdrop/pkg/discovery"
	"github.com/philipp3923/rdrop/pkg/netutil"
	"github.com/philipp3923/rdrop/pkg/transfer"
	"github.com/philipp3923/rdrop/pkg/ui"
)

func main() {
	var (
		port       int
		dir        string
		chunkSize  uint32
		noTCP      bool
		useNTP     bool
		ntpServer  string
		stunServer string
		announce   bool
		debug      bool
	)

	root := &cobra.Command{
		Use:   "rdrop",
		Short: "Peer-to-peer file transfer with NAT traversal",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Bind the local port and open the session dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init("rdrop.log", debug)

			cfg := transfer.DefaultSessionConfig()
			cfg.Port = port
			cfg.Transfer.DownloadDir = dir
			if chunkSize > 0 {
				cfg.Transfer.Shard.ChunkSize = chunkSize
			}
			cfg.SkipTCP = noTCP
			cfg.UseNTP = useNTP
			cfg.NTPServer = ntpServer

			session, err := transfer.NewSession(cfg)
			if err != nil {
				return err
			}
			if err := session.Do(appevents.Start{}); err != nil {
				return err
			}

			publicAddr := ""
			if ip, p, err := netutil.PublicAddr(stunServer); err == nil {
				publicAddr = fmt.Sprintf("%s:%d", ip, p)
			} else {
				slog.Warn("public address lookup failed", "error", err)
			}

			if announce {
				host, _ := os.Hostname()
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go func() {
					err := (&discovery.MDNS{}).Announce(ctx, discovery.Peer{Name: host, Port: port})
					if err != nil {
						slog.Warn("mdns announce failed", "error", err)
					}
				}()
			}

			p := tea.NewProgram(ui.NewModel(session, publicAddr))
			if _, err := p.Run(); err != nil {
				return err
			}
			return nil
		},
	}
	startCmd.Flags().IntVar(&port, "port", 2000, "local UDP port")
	startCmd.Flags().StringVar(&dir, "dir", ".", "download directory")
	startCmd.Flags().Uint32Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (default 1 MiB)")
	startCmd.Flags().BoolVar(&noTCP, "no-tcp", false, "skip clock sync and the TCP upgrade")
	startCmd.Flags().BoolVar(&useNTP, "ntp", false, "sync clocks against NTP instead of peer sampling")
	startCmd.Flags().StringVar(&ntpServer, "ntp-server", "", "NTP server (default pool.ntp.org)")
	startCmd.Flags().StringVar(&stunServer, "stun-server", "", "STUN server for the public address lookup")
	startCmd.Flags().BoolVar(&announce, "announce", false, "announce this peer on the local network")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List rdrop peers on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results := (&discovery.MDNS{}).Browse(ctx)
			seen := map[string]bool{}
			for res := range results {
				if res.Err != nil {
					return res.Err
				}
				for _, p := range res.Peers {
					key := fmt.Sprintf("%s:%d", p.Addr, p.Port)
					if seen[key] {
						continue
					}
					seen[key] = true
					fmt.Printf("%s\t%s:%d\n", p.Name, p.Addr, p.Port)
				}
			}
			if len(seen) == 0 {
				fmt.Println("no peers found")
			}
			return nil
		},
	}

	root.AddCommand(startCmd)
	root.AddCommand(discoverCmd)

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}
