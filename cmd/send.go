package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Bukutsu/la-vak/config"
	"github.com/Bukutsu/la-vak/engine"
)

var (
	sendTo   string
	sendName string
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "peer address as host:port (required)")
	sendCmd.Flags().StringVar(&sendName, "name", "", "display name for the file (defaults to its basename)")
	_ = sendCmd.MarkFlagRequired("to")
}

func runSend(cmd *cobra.Command, args []string) error {
	sourcePath := args[0]

	host, portRaw, err := net.SplitHostPort(sendTo)
	if err != nil {
		return fmt.Errorf("invalid --to address %q: %w", sendTo, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return fmt.Errorf("invalid --to port %q: %w", portRaw, err)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	downloadsDir, err := config.ResolveDownloadsDir()
	if err != nil {
		return err
	}

	eng, err := engine.Start(engine.Options{
		Identity:         config.NewIdentity(cfg),
		DownloadsDir:     downloadsDir,
		DisableDiscovery: true,
	})
	if err != nil {
		return err
	}
	defer eng.Stop()

	events, cancel := eng.Subscribe()
	defer cancel()

	displayName := sendName
	if displayName == "" {
		displayName = filepath.Base(sourcePath)
	}

	transferID, err := eng.SendFile(host, port, sourcePath, displayName)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), "sending "+displayName)

	for event := range events {
		if event.Transfer.ID != transferID {
			continue
		}

		switch event.Type {
		case engine.EventTransferProgress:
			_ = bar.Set64(event.Transfer.BytesTransferred)
		case engine.EventTransferComplete:
			_ = bar.Finish()
			fmt.Printf("\nSent %q (%d bytes) to %s\n", displayName, event.Transfer.FileSize, sendTo)
			return nil
		case engine.EventTransferError:
			_ = bar.Exit()
			fmt.Println()
			return fmt.Errorf("transfer failed: %s", event.Transfer.Error)
		}
	}

	return errors.New("event stream ended before the transfer finished")
}
