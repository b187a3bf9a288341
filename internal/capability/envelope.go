package capability

import (
	"github.com/opentalon/atlas/pkg/plugin"
)

// Envelope converts r to its wire form.
func (r Response) Envelope() plugin.Envelope {
	return plugin.Envelope{
		Status:  string(r.Status),
		Result:  r.Result,
		Message: r.Message,
	}
}

// FromEnvelope converts a validated wire envelope. Error envelopes arriving
// from a host are domain failures: the capability ran and reported them.
func FromEnvelope(env plugin.Envelope) Response {
	if env.Status == plugin.StatusSuccess {
		return Success(env.Result)
	}
	return Failure(KindDomain, env.Message)
}

// Describe converts descriptors to their wire form.
func Describe(descs []Descriptor) []plugin.CapabilityMsg {
	out := make([]plugin.CapabilityMsg, len(descs))
	for i, d := range descs {
		params := make([]plugin.ParameterMsg, len(d.Parameters))
		for j, p := range d.Parameters {
			params[j] = plugin.ParameterMsg{
				Name:        p.Name,
				Description: p.Description,
				Type:        p.Type,
				Required:    p.Required,
			}
		}
		out[i] = plugin.CapabilityMsg{Name: d.Name, Description: d.Description, Parameters: params}
	}
	return out
}

// DescriptorFromMsg is the inverse of Describe for one capability.
func DescriptorFromMsg(msg plugin.CapabilityMsg) Descriptor {
	params := make([]Parameter, len(msg.Parameters))
	for i, p := range msg.Parameters {
		params[i] = Parameter{
			Name:        p.Name,
			Description: p.Description,
			Type:        p.Type,
			Required:    p.Required,
		}
	}
	return Descriptor{Name: msg.Name, Description: msg.Description, Parameters: params}
}
