package kevent

import (
	"fmt"
	"net/netip"
)

// DataTag discriminates the syscall recorder's DataDescriptor records.
type DataTag uint32

const (
	TagWrite DataTag = iota
	TagRead
	TagSend
	TagRecv
	TagConnect
	TagBind
	TagListen
	TagAccept
	TagClose
	TagGetFd
	TagDebug
)

// ID identifies the syscall that produced an event: the socket it acted on
// plus the entry/exit timestamps bracketing the call.
type ID struct {
	PID, FD          uint32
	TSEnter, TSExit  uint64
}

// Bind is emitted on a successful or failed bind(2).
type Bind struct {
	ID      ID
	Address netip.AddrPort
}

// Listen is emitted on listen(2); the codec carries no extra payload beyond
// the socket identity.
type Listen struct{ ID ID }

// Connect is emitted on connect(2). Err is non-nil when the call failed.
type Connect struct {
	ID      ID
	Address netip.AddrPort
	Err     error
}

// Accept is emitted on accept(2)/accept4(2). ListenFD names the listening
// socket; Address carries the accepted peer's address and Err the syscall
// failure, if any.
type Accept struct {
	ID           ID
	ListenFD     uint32
	Address      netip.AddrPort
	Err          error
}

// Close is emitted on close(2).
type Close struct{ ID ID }

// Data is emitted on read/write/send/recv. Net reports whether the fd is a
// socket (as opposed to a pipe or regular file); Incoming reports the
// direction (recv/read = true).
type Data struct {
	ID       ID
	Payload  []byte
	Net      bool
	Incoming bool
	Err      error
}

// Debug carries an ad-hoc diagnostic string from the probe.
type Debug struct {
	ID  ID
	Msg string
}

// DecodeSyscallEvent decodes one syscall-recorder record: the common
// header, a DataTag discriminant aliased onto Header.Discriminant, then the
// tag-specific body. It returns one of Bind, Listen, Connect, Accept,
// Close, Data or Debug, or a bare ID for a GetFd record.
func DecodeSyscallEvent(b []byte) (any, error) {
	h, rest, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if err := need(rest, 12); err != nil {
		return nil, err
	}
	id := ID{
		PID:     h.PID,
		FD:      u32le(rest[0:4]),
		TSEnter: u64le(rest[4:12]),
	}
	rest = rest[12:]
	if err := need(rest, 8); err != nil {
		return nil, err
	}
	id.TSExit = u64le(rest[0:8])
	rest = rest[8:]

	switch DataTag(h.Discriminant) {
	case TagBind:
		addr, _, err := DecodeAddress(rest)
		if err != nil {
			return nil, err
		}
		return Bind{ID: id, Address: addr}, nil
	case TagListen:
		return Listen{ID: id}, nil
	case TagConnect:
		return decodeAddrOrErr(id, rest, func(a netip.AddrPort, e error) any {
			return Connect{ID: id, Address: a, Err: e}
		})
	case TagAccept:
		if err := need(rest, 4); err != nil {
			return nil, err
		}
		listenFD := u32le(rest[0:4])
		return decodeAddrOrErr(id, rest[4:], func(a netip.AddrPort, e error) any {
			return Accept{ID: id, ListenFD: listenFD, Address: a, Err: e}
		})
	case TagClose:
		return Close{ID: id}, nil
	case TagWrite, TagRead, TagSend, TagRecv:
		return decodeData(id, rest, h.Discriminant)
	case TagDebug:
		return Debug{ID: id, Msg: string(rest)}, nil
	case TagGetFd:
		return id, nil
	default:
		return nil, fmt.Errorf("kevent: unknown data tag %d", h.Discriminant)
	}
}

// decodeAddrOrErr decodes the union the probe uses for address_or_err
// fields: a leading i32 size. A negative size means the syscall failed and
// classifies as a SyscallError; a non-negative size is the length of the
// sockaddr payload that follows.
func decodeAddrOrErr(id ID, b []byte, wrap func(netip.AddrPort, error) any) (any, error) {
	if err := need(b, 4); err != nil {
		return nil, err
	}
	size := i32le(b[0:4])
	b = b[4:]
	if _, err := ClassifySize(size); err != nil {
		return wrap(netip.AddrPort{}, err), nil
	}
	if err := checkedSlice(b, int(size), "address_or_err"); err != nil {
		return nil, err
	}
	addr, _, err := DecodeAddress(b[:size])
	if err != nil {
		return nil, err
	}
	return wrap(addr, nil), nil
}

func decodeData(id ID, b []byte, disc uint32) (any, error) {
	if err := need(b, 5); err != nil {
		return nil, err
	}
	size := i32le(b[0:4])
	netFlag := b[4] != 0
	b = b[5:]

	n, err := ClassifySize(size)
	if err != nil {
		return Data{ID: id, Net: netFlag, Incoming: disc == uint32(TagRead) || disc == uint32(TagRecv), Err: err}, nil
	}
	if err := checkedSlice(b, n, "data.payload"); err != nil {
		return nil, err
	}
	return Data{
		ID:       id,
		Payload:  append([]byte(nil), b[:n]...),
		Net:      netFlag,
		Incoming: disc == uint32(TagRead) || disc == uint32(TagRecv),
	}, nil
}
