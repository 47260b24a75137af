package transport

import "fmt"

// Factory builds a fresh transport for each call.
type Factory struct {
	Direct *DirectOptions
	Relay  *RelayOptions
}

// New returns an unconnected transport of the given kind.
func (f *Factory) New(kind Kind) (Transport, error) {
	switch kind {
	case KindDirect:
		return NewDirect(f.Direct), nil
	case KindRelayed:
		if f.Relay == nil || f.Relay.ServerURL == "" {
			return nil, fmt.Errorf("relay server not configured: %w", ErrUnsupportedKind)
		}
		return NewRelay(f.Relay), nil
	default:
		return nil, fmt.Errorf("%s: %w", kind, ErrUnsupportedKind)
	}
}
