// Package transport defines the HCI transport the ACL data channel sends
// frames through. It is an external collaborator for the channel — the
// channel never owns a socket or knows how frames physically cross to the
// host or controller, only that it can hand one off.
package transport

// HCITransport shuttles H4-framed packets (the one-byte packet-type prefix
// plus an HCI command/event/ACL-data payload) to the host or controller
// side of the proxy.
type HCITransport interface {
	SendToHost(packet []byte) error
	SendToController(packet []byte) error
}

// PipeTransport is an in-process HCITransport fake for tests: both sides'
// writes land on buffered channels the test can drain, in the same spirit
// as the teacher's hci.hci splitting a single socket into a read loop and a
// command-flow-controlled write path, but with both directions exposed
// directly instead of multiplexed over one io.ReadWriteCloser.
type PipeTransport struct {
	ToHost       chan []byte
	ToController chan []byte
}

// NewPipeTransport returns a PipeTransport with buffered channels of the
// given capacity.
func NewPipeTransport(buffer int) *PipeTransport {
	return &PipeTransport{
		ToHost:       make(chan []byte, buffer),
		ToController: make(chan []byte, buffer),
	}
}

// SendToHost implements HCITransport.
func (p *PipeTransport) SendToHost(packet []byte) error {
	p.ToHost <- packet
	return nil
}

// SendToController implements HCITransport.
func (p *PipeTransport) SendToController(packet []byte) error {
	p.ToController <- packet
	return nil
}
