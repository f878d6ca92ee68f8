// Command aclproxyd wires the ACL data channel, the L2CAP channel registry,
// and an HCI transport together into a runnable proxy process, the way the
// teacher's hci/examples mains wire a device and a GAP client together for a
// demo. It's deliberately thin: everything interesting lives in acldata,
// l2cap, and transport/linux.
package main

import (
	"fmt"
	"os"

	log "github.com/mgutz/logxi/v1"
	"github.com/urfave/cli"

	"github.com/go-ble/aclproxy/acldata"
	"github.com/go-ble/aclproxy/bttype"
	"github.com/go-ble/aclproxy/hciwire"
	"github.com/go-ble/aclproxy/l2cap"
	"github.com/go-ble/aclproxy/transport"
	linuxtransport "github.com/go-ble/aclproxy/transport/linux"
)

var logger = log.New("aclproxyd")

// HCI packet-type prefixes, as framed over H4.
const (
	pktTypeCommand uint8 = 0x01
	pktTypeACLData uint8 = 0x02
	pktTypeEvent   uint8 = 0x04
)

// Event codes and LE Meta subevent codes this proxy cares about. Anything
// else is forwarded without inspection through AclDataChannel.ForwardEvent.
const (
	evtDisconnectionComplete   = 0x05
	evtConnectionComplete      = 0x03
	evtNumberOfCompletedPacket = 0x13
	evtCommandComplete         = 0x0E
	evtLEMeta                  = 0x3E

	subLEConnectionComplete           = 0x01
	subLEEnhancedConnectionCompleteV1 = 0x0A
	subLEEnhancedConnectionCompleteV2 = 0x29

	opcodeReadBufferSize     = 0x1005
	opcodeLEReadBufferSizeV1 = 0x2002
	opcodeLEReadBufferSizeV2 = 0x2060
)

func main() {
	app := cli.NewApp()
	app.Name = "aclproxyd"
	app.Usage = "proxy ACL data and credit accounting between an HCI host and controller"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "device", Value: 0, Usage: "HCI device index to bind (ignored with --fake-controller)"},
		cli.BoolFlag{Name: "fake-controller", Usage: "use an in-process fake transport instead of a real HCI socket"},
		cli.IntFlag{Name: "max-connections", Value: 16, Usage: "maximum tracked ACL connections"},
		cli.IntFlag{Name: "acl-reserve", Value: 1, Usage: "BR/EDR ACL send credits this proxy reserves for itself"},
		cli.IntFlag{Name: "le-reserve", Value: 1, Usage: "LE ACL send credits this proxy reserves for itself"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.Fatal("aclproxyd exiting", "err", err)
	}
}

func run(c *cli.Context) error {
	registry := l2cap.NewRegistry()

	hciTransport, closeTransport, err := openTransport(c)
	if err != nil {
		return err
	}
	defer closeTransport()

	channel := acldata.New(acldata.Config{
		MaxConnections:      c.Int("max-connections"),
		AclCreditsToReserve: uint16(c.Int("acl-reserve")),
		LeCreditsToReserve:  uint16(c.Int("le-reserve")),
	}, hciTransport, registry)

	logger.Info("acl data channel ready",
		"max_connections", c.Int("max-connections"),
		"acl_reserve", c.Int("acl-reserve"),
		"le_reserve", c.Int("le-reserve"))

	sock, isSocket := hciTransport.(*linuxtransport.SocketTransport)
	if !isSocket {
		logger.Info("fake controller transport has no read loop; idling")
		select {}
	}

	return sock.ReadLoop(func(packetType uint8, payload []byte) {
		dispatch(channel, packetType, payload)
	})
}

func openTransport(c *cli.Context) (transport.HCITransport, func(), error) {
	if c.Bool("fake-controller") {
		logger.Info("using in-process fake controller transport")
		return transport.NewPipeTransport(32), func() {}, nil
	}

	sock, err := linuxtransport.Open(c.Int("device"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening HCI device %d: %w", c.Int("device"), err)
	}
	return sock, func() { _ = sock.Close() }, nil
}

// dispatch demultiplexes one H4 frame read from the controller into the
// channel's event and ACL data handlers.
func dispatch(ch *acldata.AclDataChannel, packetType uint8, payload []byte) {
	switch packetType {
	case pktTypeEvent:
		dispatchEvent(ch, payload)
	case pktTypeACLData:
		dispatchACL(ch, bttype.FromController, payload)
	}
}

// dispatchEvent demultiplexes one Event packet by event code. full is the
// complete H4 frame (type prefix, event code, length, params), rebuilt here
// once so that every downstream handler sees a buffer it can both parse a
// view over and later hand back to AclDataChannel for forwarding to host;
// in-place field rewrites during processing land in full's own backing
// array, so forwarding it afterward reflects them.
func dispatchEvent(ch *acldata.AclDataChannel, params []byte) {
	if len(params) < 2 {
		return
	}
	full := make([]byte, 1+len(params))
	full[0] = pktTypeEvent
	copy(full[1:], params)

	code := full[1]
	length := int(full[2])
	if len(full) < 3+length {
		ch.ForwardMalformedEvent(full)
		return
	}
	body := full[3 : 3+length]

	switch code {
	case evtDisconnectionComplete:
		if event, ok := hciwire.ParseDisconnectionCompleteEvent(body); ok {
			ch.ProcessDisconnectionCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case evtConnectionComplete:
		if event, ok := hciwire.ParseConnectionCompleteEvent(body); ok {
			ch.HandleConnectionCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case evtNumberOfCompletedPacket:
		if event, ok := hciwire.ParseNumberOfCompletedPacketsEvent(body); ok {
			ch.HandleNumberOfCompletedPacketsEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case evtCommandComplete:
		dispatchCommandComplete(ch, body, full)
	case evtLEMeta:
		dispatchLEMeta(ch, body, full)
	default:
		ch.ForwardEvent(full)
	}
}

// dispatchCommandComplete looks only at the opcode field; every other
// Command Complete event passes through untouched by this proxy.
func dispatchCommandComplete(ch *acldata.AclDataChannel, body []byte, full []byte) {
	if len(body) < 3 {
		ch.ForwardMalformedEvent(full)
		return
	}
	opcode := uint16(body[1]) | uint16(body[2])<<8

	switch opcode {
	case opcodeReadBufferSize:
		if event, ok := hciwire.ParseReadBufferSizeCommandCompleteEvent(body); ok {
			ch.ProcessReadBufferSizeCommandCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case opcodeLEReadBufferSizeV1:
		if event, ok := hciwire.ParseLEReadBufferSizeV1CommandCompleteEvent(body); ok {
			ch.ProcessLEReadBufferSizeV1CommandCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case opcodeLEReadBufferSizeV2:
		if event, ok := hciwire.ParseLEReadBufferSizeV2CommandCompleteEvent(body); ok {
			ch.ProcessLEReadBufferSizeV2CommandCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	default:
		ch.ForwardEvent(full)
	}
}

func dispatchLEMeta(ch *acldata.AclDataChannel, body []byte, full []byte) {
	if len(body) < 1 {
		ch.ForwardMalformedEvent(full)
		return
	}
	sub := body[0]
	rest := body[1:]

	switch sub {
	case subLEConnectionComplete:
		if event, ok := hciwire.ParseLEConnectionCompleteEvent(rest); ok {
			ch.HandleLeConnectionCompleteEvent(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case subLEEnhancedConnectionCompleteV1:
		if event, ok := hciwire.ParseLEEnhancedConnectionCompleteV1Event(rest); ok {
			ch.HandleLeEnhancedConnectionCompleteV1Event(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	case subLEEnhancedConnectionCompleteV2:
		if event, ok := hciwire.ParseLEEnhancedConnectionCompleteV2Event(rest); ok {
			ch.HandleLeEnhancedConnectionCompleteV2Event(event, full)
		} else {
			ch.ForwardMalformedEvent(full)
		}
	default:
		ch.ForwardEvent(full)
	}
}

func dispatchACL(ch *acldata.AclDataChannel, direction bttype.Direction, payload []byte) {
	status := ch.HandleAclData(direction, payload)
	switch status.Code {
	case acldata.OK:
		// Either buffered mid-recombination or routed to a channel; no
		// further action here.
	case acldata.NotFound:
		// Not a handle or CID this proxy terminates, or a single-packet PDU
		// its channel declined; a full deployment
		// forwards payload to the opposite transport here unmodified.
	default:
		logger.Warn("dropping ACL data", "direction", direction, "err", status)
	}
}
