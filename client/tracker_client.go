package client

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// FailureError is a "failure reason" answered by the tracker.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return "tracker error: " + e.Reason
}

type TrackerClient struct {
	client     *http.Client
	peerID     string
	port       int
	uploaded   int64
	downloaded int64
	numWant    int
	compact    bool
}

type AnnounceResponse struct {
	Interval    int
	MinInterval int
	Complete    int
	Incomplete  int
	Downloaded  int
	Peers       []Peer
}

type Peer struct {
	PeerID string
	IP     string
	Port   int
}

func NewTrackerClient(peerID string, port int) *TrackerClient {
	return &TrackerClient{
		client:  &http.Client{Timeout: 30 * time.Second},
		peerID:  peerID,
		port:    port,
		numWant: 50,
	}
}

// SetCompact asks the tracker for compact peer lists.
func (tc *TrackerClient) SetCompact(compact bool) {
	tc.compact = compact
}

func (tc *TrackerClient) SetNumWant(n int) {
	tc.numWant = n
}

// Announce sends an announce for a 20-byte (v1) or 32-byte (v2) info-hash.
func (tc *TrackerClient) Announce(trackerURL string, infoHash []byte, left int64, event string) (*AnnounceResponse, error) {
	announceURL, err := tc.buildAnnounceURL(trackerURL, infoHash, left, event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build announce URL")
	}

	dict, err := tc.get(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "announce")
	}
	return parseAnnounceResponse(dict)
}

func (tc *TrackerClient) buildAnnounceURL(trackerURL string, infoHash []byte, left int64, event string) (string, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return "", err
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/announce"
	}

	params := url.Values{}
	params.Set("info_hash", string(infoHash))
	params.Set("peer_id", tc.peerID)
	params.Set("port", strconv.Itoa(tc.port))
	params.Set("uploaded", strconv.FormatInt(tc.uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(tc.downloaded, 10))
	params.Set("left", strconv.FormatInt(left, 10))
	params.Set("numwant", strconv.Itoa(tc.numWant))
	if tc.compact {
		params.Set("compact", "1")
	} else {
		params.Set("compact", "0")
	}

	if event != "" {
		params.Set("event", event)
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (tc *TrackerClient) get(rawURL string) (map[string]interface{}, error) {
	resp, err := tc.client.Get(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode tracker response")
	}

	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("expected dictionary response")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, &FailureError{Reason: reason}
	}
	return dict, nil
}

func parseAnnounceResponse(dict map[string]interface{}) (*AnnounceResponse, error) {
	response := &AnnounceResponse{
		Interval:    intField(dict, "interval"),
		MinInterval: intField(dict, "min interval"),
		Complete:    intField(dict, "complete"),
		Incomplete:  intField(dict, "incomplete"),
		Downloaded:  intField(dict, "downloaded"),
	}

	switch peers := dict["peers"].(type) {
	case string:
		p, err := parseCompact(peers, net.IPv4len)
		if err != nil {
			return nil, err
		}
		response.Peers = append(response.Peers, p...)
	case []interface{}:
		for _, node := range peers {
			peerDict, ok := node.(map[string]interface{})
			if !ok {
				continue
			}
			peer := Peer{Port: intField(peerDict, "port")}
			peer.PeerID, _ = peerDict["peer id"].(string)
			peer.IP, _ = peerDict["ip"].(string)
			response.Peers = append(response.Peers, peer)
		}
	}

	if peers6, ok := dict["peers6"].(string); ok {
		p, err := parseCompact(peers6, net.IPv6len)
		if err != nil {
			return nil, err
		}
		response.Peers = append(response.Peers, p...)
	}

	return response, nil
}

func parseCompact(s string, ipLen int) ([]Peer, error) {
	size := ipLen + 2
	if len(s)%size != 0 {
		return nil, errors.Errorf("compact peer list length %d is not a multiple of %d", len(s), size)
	}
	b := []byte(s)
	peers := make([]Peer, 0, len(b)/size)
	for i := 0; i < len(b); i += size {
		peers = append(peers, Peer{
			IP:   net.IP(b[i : i+ipLen]).String(),
			Port: int(binary.BigEndian.Uint16(b[i+ipLen : i+size])),
		})
	}
	return peers, nil
}

func intField(dict map[string]interface{}, key string) int {
	if v, ok := dict[key].(int64); ok {
		return int(v)
	}
	return 0
}

type ScrapeResponse struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// Scrape fetches stats for the given hashes. The result is keyed by the raw
// hash as a string.
func (tc *TrackerClient) Scrape(trackerURL string, infoHashes ...[]byte) (map[string]ScrapeResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/scrape"
	params := url.Values{}
	for _, ih := range infoHashes {
		params.Add("info_hash", string(ih))
	}
	u.RawQuery = params.Encode()

	dict, err := tc.get(u.String())
	if err != nil {
		return nil, errors.Wrap(err, "scrape")
	}

	files, ok := dict["files"].(map[string]interface{})
	if !ok {
		return nil, errors.New("missing files in scrape response")
	}

	out := make(map[string]ScrapeResponse, len(files))
	for k, v := range files {
		stats, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		out[k] = ScrapeResponse{
			Complete:   intField(stats, "complete"),
			Incomplete: intField(stats, "incomplete"),
			Downloaded: intField(stats, "downloaded"),
		}
	}
	return out, nil
}

func (tc *TrackerClient) UpdateStats(uploaded, downloaded int64) {
	tc.uploaded = uploaded
	tc.downloaded = downloaded
}
