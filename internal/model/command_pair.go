package model

// Command directions.
const (
	DirectionPostUp   = "PostUp"
	DirectionPostDown = "PostDown"
	DirectionPreUp    = "PreUp"
	DirectionPreDown  = "PreDown"
)

// Command templates originated by the system. Templated commands are
// re-rendered from parameters on regeneration; foreign commands are emitted
// verbatim and never parsed.
const (
	TemplateExitNAT      = "exit_nat"
	TemplateExitNATDown  = "exit_nat_down"
	TemplateIPForward    = "ip_forward"
	TemplateMSSClamp     = "mss_clamp"
	TemplateMSSClampDown = "mss_clamp_down"
)

// CommandPair is one PostUp/PostDown (or PreUp/PreDown) line attached to a
// coordination server, subnet router, exit node or extramural config.
type CommandPair struct {
	ID        int64  `json:"id" db:"id"`
	OwnerType string `json:"owner_type" db:"owner_type"`
	OwnerID   int64  `json:"owner_id" db:"owner_id"`
	Direction string `json:"direction" db:"direction"`
	Sequence  int    `json:"sequence" db:"sequence"`
	// Text is the verbatim shell string. The writer always emits it as-is
	// unless TemplateName is set, in which case the line is re-rendered
	// from TemplateParams.
	Text           string `json:"text" db:"text"`
	TemplateName   string `json:"template_name,omitempty" db:"template_name"`
	TemplateParams string `json:"template_params,omitempty" db:"template_params"`
	// ParsedTag is a best-effort advisory classification ("iptables FORWARD
	// accept", "sysctl net.ipv4.ip_forward=1"). Never used for output.
	ParsedTag string `json:"parsed_tag,omitempty" db:"parsed_tag"`
}
