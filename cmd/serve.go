package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bukutsu/la-vak/config"
	"github.com/Bukutsu/la-vak/engine"
	"github.com/Bukutsu/la-vak/storage"
)

var serveAutoAccept bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a La-Vak node: announce on the LAN and accept incoming files",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutoAccept, "auto-accept", false, "accept every incoming transfer without prompting")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	identity := config.NewIdentity(cfg)

	downloadsDir, err := config.ResolveDownloadsDir()
	if err != nil {
		return err
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("history store close error: %v", err)
		}
	}()

	eng, err := engine.Start(engine.Options{
		Identity:     identity,
		DownloadsDir: downloadsDir,
		Store:        store,
	})
	if err != nil {
		return err
	}
	defer eng.Stop()

	resolved := eng.Identity()
	fmt.Printf("Device ID:       %s\n", resolved.DeviceID)
	fmt.Printf("Device Name:     %s\n", resolved.DeviceName)
	fmt.Printf("Transport Port:  %d\n", resolved.TransportPort)
	fmt.Printf("Downloads:       %s\n", downloadsDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("History File:    %s\n", dbPath)

	events, cancel := eng.Subscribe()
	defer cancel()
	go handleServeEvents(eng, events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func handleServeEvents(eng *engine.Engine, events <-chan engine.Event) {
	reader := bufio.NewReader(os.Stdin)

	for event := range events {
		switch event.Type {
		case engine.EventPeerJoined:
			log.Printf("discovery: peer joined id=%s name=%q addr=%s port=%d",
				event.Peer.ID, event.Peer.DeviceName, event.Peer.IP, event.Peer.TransportPort)
		case engine.EventPeerLeft:
			log.Printf("discovery: peer left id=%s", event.Peer.ID)
		case engine.EventIncomingRequest:
			if serveAutoAccept {
				eng.RespondToIncoming(event.Request.TransferID, true)
				log.Printf("transfer: auto-accepted %q (%d bytes) from %s",
					event.Request.FileName, event.Request.FileSize, event.Request.PeerIP)
				continue
			}
			fmt.Printf("Incoming file %q (%d bytes) from %s. Accept? [y/N]: ",
				event.Request.FileName, event.Request.FileSize, event.Request.PeerIP)
			answer, err := reader.ReadString('\n')
			if err != nil {
				eng.RespondToIncoming(event.Request.TransferID, false)
				continue
			}
			accepted := strings.EqualFold(strings.TrimSpace(answer), "y")
			eng.RespondToIncoming(event.Request.TransferID, accepted)
		case engine.EventTransferComplete:
			log.Printf("transfer: completed %q (%d bytes) peer=%s",
				event.Transfer.FileName, event.Transfer.BytesTransferred, event.Transfer.PeerIP)
		case engine.EventTransferError:
			log.Printf("transfer: failed %q status=%s: %s",
				event.Transfer.FileName, event.Transfer.Status, event.Transfer.Error)
		}
	}
}
