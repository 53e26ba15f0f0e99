package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// PeerSummary is the list entry for GET /peers. Key material never leaves
// through the API; models hide it at the JSON layer.
type PeerSummary struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	Hostname    string `json:"hostname"`
	VPNIPv4     string `json:"vpn_ipv4,omitempty"`
	VPNIPv6     string `json:"vpn_ipv6,omitempty"`
	PublicKey   string `json:"public_key"`
	AccessLevel string `json:"access_level,omitempty"`
	Provisional bool   `json:"provisional,omitempty"`
}

// PeerDetail wraps a typed peer record for GET /peers/{hostname}.
type PeerDetail struct {
	Type string `json:"type"`
	Peer any    `json:"peer"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Status(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listPeers(ctx context.Context) ([]PeerSummary, error) {
	cs, err := s.core.GetCS(ctx)
	if err != nil {
		return nil, err
	}

	var out []PeerSummary
	routers, err := s.core.ListRouters(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, rt := range routers {
		out = append(out, PeerSummary{
			Type: "router", ID: rt.ID, Hostname: rt.Hostname,
			VPNIPv4: rt.VPNIPv4, VPNIPv6: rt.VPNIPv6, PublicKey: rt.PublicKey,
		})
	}

	remotes, err := s.core.ListRemotes(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, rm := range remotes {
		out = append(out, PeerSummary{
			Type: "remote", ID: rm.ID, Hostname: rm.Hostname,
			VPNIPv4: rm.VPNIPv4, VPNIPv6: rm.VPNIPv6, PublicKey: rm.PublicKey,
			AccessLevel: string(rm.AccessLevel), Provisional: rm.Provisional(),
		})
	}

	exits, err := s.core.ListExitNodes(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, ex := range exits {
		out = append(out, PeerSummary{
			Type: "exit", ID: ex.ID, Hostname: ex.Hostname,
			VPNIPv4: ex.VPNIPv4, VPNIPv6: ex.VPNIPv6, PublicKey: ex.PublicKey,
		})
	}
	return out, nil
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.listPeers(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if peers == nil {
		peers = []PeerSummary{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	ctx := r.Context()

	if rm, err := s.core.GetRemote(ctx, hostname); err == nil {
		writeJSON(w, http.StatusOK, PeerDetail{Type: "remote", Peer: rm})
		return
	}
	if rt, err := s.core.GetRouter(ctx, hostname); err == nil {
		writeJSON(w, http.StatusOK, PeerDetail{Type: "router", Peer: rt})
		return
	}
	if ex, err := s.core.GetExitNode(ctx, hostname); err == nil {
		writeJSON(w, http.StatusOK, PeerDetail{Type: "exit", Peer: ex})
		return
	}
	writeFault(w, &faults.NotFound{Entity: "peer", Ref: hostname})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.core.ListAPITokens(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if toks == nil {
		toks = []model.APIToken{}
	}
	writeJSON(w, http.StatusOK, toks)
}

// handleStreamStatus serves the fleet summary as server-sent events. A
// snapshot goes out immediately, then one per interval until the client
// disconnects.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() error {
		st, err := s.core.Status(r.Context())
		if err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		return
	}
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
