package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bukutsu/la-vak/config"
	"github.com/Bukutsu/la-vak/discovery"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Listen for peer announcements and print the peer table",
	RunE:  runPeers,
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 5*time.Second, "how long to listen for hellos")
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	identity := config.NewIdentity(cfg)

	service, err := discovery.Start(discovery.Config{
		SelfID:        identity.DeviceID,
		DeviceName:    identity.DeviceName,
		Platform:      identity.Platform,
		HTTPPort:      identity.HTTPPort,
		TransportPort: identity.TransportPort,
	})
	if err != nil {
		return err
	}
	defer service.Stop()

	fmt.Printf("Listening for peers for %s...\n", peersWait)
	time.Sleep(peersWait)

	peers := service.Peers()
	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tADDRESS\tPORT\tPLATFORM\tLAST SEEN")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			peer.DeviceName, peer.ID, peer.IP, peer.TransportPort, peer.Platform,
			time.Since(peer.LastSeen).Round(time.Second))
	}
	return w.Flush()
}
