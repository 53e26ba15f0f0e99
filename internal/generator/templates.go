package generator

import (
	"encoding/json"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// templateParams are the substitution values of a templated command.
type templateParams struct {
	// OutIface is the egress interface the NAT/clamp rules apply to.
	OutIface string `json:"out_iface"`
	// WGIface is the WireGuard interface name.
	WGIface string `json:"wg_iface"`
}

// RenderCommand returns the shell text of a command pair. Foreign commands
// come back verbatim; templated commands are re-rendered from their
// parameters so a parameter change takes effect on the next generation.
func RenderCommand(cp model.CommandPair) (string, error) {
	if cp.TemplateName == "" {
		return cp.Text, nil
	}

	var p templateParams
	if cp.TemplateParams != "" {
		if err := json.Unmarshal([]byte(cp.TemplateParams), &p); err != nil {
			return "", &faults.ValidationError{Field: "template_params",
				Msg: fmt.Sprintf("command %d: %v", cp.ID, err)}
		}
	}

	switch cp.TemplateName {
	case model.TemplateExitNAT:
		return fmt.Sprintf("iptables -t nat -A POSTROUTING -o %s -j MASQUERADE; ip6tables -t nat -A POSTROUTING -o %s -j MASQUERADE", p.OutIface, p.OutIface), nil
	case model.TemplateExitNATDown:
		return fmt.Sprintf("iptables -t nat -D POSTROUTING -o %s -j MASQUERADE; ip6tables -t nat -D POSTROUTING -o %s -j MASQUERADE", p.OutIface, p.OutIface), nil
	case model.TemplateIPForward:
		return "sysctl -w net.ipv4.ip_forward=1 net.ipv6.conf.all.forwarding=1", nil
	case model.TemplateMSSClamp:
		return fmt.Sprintf("iptables -t mangle -A FORWARD -o %s -p tcp --tcp-flags SYN,RST SYN -j TCPMSS --clamp-mss-to-pmtu", p.WGIface), nil
	case model.TemplateMSSClampDown:
		return fmt.Sprintf("iptables -t mangle -D FORWARD -o %s -p tcp --tcp-flags SYN,RST SYN -j TCPMSS --clamp-mss-to-pmtu", p.WGIface), nil
	}
	return "", &faults.ValidationError{Field: "template_name",
		Msg: "unknown command template " + cp.TemplateName}
}
