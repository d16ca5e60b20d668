package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/pixperk/pixtracker/client"
	"github.com/pixperk/pixtracker/tracker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	probeHash    string
	probeTracker string
	probePeerID  string
	probePort    int
	probeLeft    int64
	probeEvent   string
	probeCompact bool
	probeScrape  bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Announce to or scrape a tracker",
	Long:  `Send one announce (or scrape) to an HTTP tracker and print what it answers.`,
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVarP(&probeHash, "hash", "i", "", "Info hash (40 or 64 hex chars, required)")
	probeCmd.Flags().StringVarP(&probeTracker, "tracker", "t", "http://localhost:8080", "Tracker URL")
	probeCmd.Flags().StringVar(&probePeerID, "peer-id", "", "Peer id (random when empty)")
	probeCmd.Flags().IntVarP(&probePort, "port", "p", 6881, "Port to announce")
	probeCmd.Flags().Int64VarP(&probeLeft, "left", "l", 0, "Bytes left to download")
	probeCmd.Flags().StringVarP(&probeEvent, "event", "e", "started", "Announce event (started, completed, stopped or empty)")
	probeCmd.Flags().BoolVar(&probeCompact, "compact", true, "Request compact peer lists")
	probeCmd.Flags().BoolVarP(&probeScrape, "scrape", "s", false, "Scrape instead of announce")

	probeCmd.MarkFlagRequired("hash")
	rootCmd.AddCommand(probeCmd)
}

func randomPeerID() (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return "-PX0001-" + hex.EncodeToString(suffix), nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	raw, err := hex.DecodeString(probeHash)
	if err != nil {
		return errors.Wrap(err, "invalid info hash")
	}
	ih, err := tracker.ParseInfoHash(raw)
	if err != nil {
		return err
	}

	peerID := probePeerID
	if peerID == "" {
		if peerID, err = randomPeerID(); err != nil {
			return err
		}
	}

	c := client.NewTrackerClient(peerID, probePort)
	c.SetCompact(probeCompact)

	req := newPanel("probe").
		highlight("info hash", ih.String()).
		add("tracker", probeTracker)

	if probeScrape {
		req.flush()
		files, err := c.Scrape(probeTracker, raw)
		if err != nil {
			PrintError(err.Error())
			return err
		}
		st := files[string(raw)]
		newPanel("scrape").
			add("seeders", strconv.Itoa(st.Complete)).
			add("leechers", strconv.Itoa(st.Incomplete)).
			add("completed", strconv.Itoa(st.Downloaded)).
			flush()
		PrintDivider()
		return nil
	}

	req.add("peer id", peerID).
		add("left", FormatBytes(probeLeft)).
		add("event", probeEvent).
		flush()

	resp, err := c.Announce(probeTracker, raw, probeLeft, probeEvent)
	if err != nil {
		PrintError(err.Error())
		return err
	}

	swarm := newPanel(fmt.Sprintf("swarm (%d peers)", len(resp.Peers))).
		add("interval", fmt.Sprintf("%ds", resp.Interval)).
		add("seeders", strconv.Itoa(resp.Complete)).
		add("leechers", strconv.Itoa(resp.Incomplete)).
		add("completed", strconv.Itoa(resp.Downloaded))
	for _, p := range resp.Peers {
		swarm.note("%s %s", net.JoinHostPort(p.IP, strconv.Itoa(p.Port)), p.PeerID)
	}
	swarm.flush()
	PrintDivider()
	return nil
}
