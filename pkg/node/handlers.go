package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const defaultInboxLimit = 50

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, node identity, endpoint
// and how many peers and stored messages there are.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID       int         `json:"pid"`
		Now       time.Time   `json:"now"`
		ID        wire.NodeID `json:"id"`
		Addr      string      `json:"addr"`
		Unicast   string      `json:"unicast,omitempty"`
		Peers     int         `json:"peers"`
		Inbox     int         `json:"inbox"`
		InboxSize int         `json:"inbox_bytes"`
	}
	r := resp{
		PID:   os.Getpid(),
		Now:   time.Now(),
		ID:    n.bus.ID(),
		Addr:  n.addr,
		Peers: len(n.bus.Nodes()),
	}
	if a := n.bus.LocalAddr(); a != nil {
		r.Unicast = a.String()
	}
	if n.inbox != nil {
		r.Inbox, r.InboxSize = n.inbox.Len(), n.inbox.Bytes()
	}
	writeJSON(w, r)
}

// Nodes lists the live peers.
func (n *Node) Nodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.bus.Nodes())
}

// Send posts the request body as a message. ?to=id,id addresses it; no
// recipients publishes to every node.
func (n *Node) Send(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recipients, err := parseRecipients(req.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, n.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !n.bus.Send(body, recipients) {
		n.log.Debug("admin send rejected", zap.Int("recipients", len(recipients)), zap.Int("bytes", len(body)))
		http.Error(w, "message not accepted", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Inbox returns the newest received messages. ?limit=N caps the count.
func (n *Node) Inbox(w http.ResponseWriter, req *http.Request) {
	if n.inbox == nil {
		http.Error(w, "inbox disabled", http.StatusNotFound)
		return
	}
	limit := defaultInboxLimit
	if s := req.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	writeJSON(w, n.inbox.Recent(limit))
}

func parseRecipients(s string) ([]wire.NodeID, error) {
	if s == "" {
		return nil, nil
	}
	var out []wire.NodeID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := wire.ParseNodeID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
