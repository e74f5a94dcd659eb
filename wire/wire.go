// Package wire encodes and decodes spark datagrams. Every datagram is a
// SparkPacket envelope carrying exactly one of the three message variants.
// The encoding is standard protobuf wire format, produced and consumed
// directly with protowire; the schema is small and fixed, so no generated
// code is involved. Field numbers are part of the protocol and must never
// be reused.
//
//	SparkPacket       1:HelloMsg 2:HandshakeMsg 3:HeartbeatMsg (oneof)
//	HelloMsg          1:domain_name 2:node_name 3:if_name 4:seq_num
//	                  5:version 6:solicit_response 7:restarting
//	                  8:sent_ts_in_us 9:neighbor_infos(map<string,RNI>)
//	ReflectedNeighborInfo 1:seq_num 2:last_nbr_msg_sent_ts_in_us
//	                      3:last_my_msg_rcvd_ts_in_us
//	HandshakeMsg      1:node_name 2:is_adj_established 3:hold_time
//	                  4:graceful_restart_time 5:transport_address_v6
//	                  6:transport_address_v4 7:openr_ctrl_thrift_port
//	                  8:kv_store_cmd_port 9:area 10:neighbor_node_name
//	HeartbeatMsg      1:node_name 2:seq_num
package wire

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/cabelitos/openr/state"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrOversize     = errors.New("packet exceeds the minimum IPv6 MTU")
	ErrEmptyPacket  = errors.New("packet carries no message variant")
	ErrManyVariants = errors.New("packet carries more than one message variant")
)

// ReflectedNeighborInfo echoes what the sender has observed from one of
// its peers. Presence of the recipient's own entry is mutual-visibility
// evidence.
type ReflectedNeighborInfo struct {
	SeqNum               uint64
	LastNbrMsgSentTsInUs int64
	LastMyMsgRcvdTsInUs  int64
}

type HelloMsg struct {
	DomainName      string
	NodeName        string
	IfName          string
	SeqNum          uint64
	Version         uint32
	SolicitResponse bool
	Restarting      bool
	SentTsInUs      int64
	NeighborInfos   map[string]ReflectedNeighborInfo
}

type HandshakeMsg struct {
	NodeName            string
	IsAdjEstablished    bool
	HoldTime            int64 // milliseconds
	GracefulRestartTime int64 // milliseconds
	TransportAddressV6  netip.Addr
	TransportAddressV4  netip.Addr
	OpenrCtrlThriftPort int32
	KvStoreCmdPort      int32
	Area                string
	// NeighborNodeName targets the handshake at a single receiver; empty
	// means broadcast (backward compatibility).
	NeighborNodeName string
}

type HeartbeatMsg struct {
	NodeName string
	SeqNum   uint64
}

// SparkPacket is the envelope. Exactly one variant must be non-nil.
type SparkPacket struct {
	Hello     *HelloMsg
	Handshake *HandshakeMsg
	Heartbeat *HeartbeatMsg
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendAddr(b []byte, num protowire.Number, addr netip.Addr) []byte {
	if !addr.IsValid() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, addr.AsSlice())
}

func (m *ReflectedNeighborInfo) marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.SeqNum)
	b = appendInt64(b, 2, m.LastNbrMsgSentTsInUs)
	b = appendInt64(b, 3, m.LastMyMsgRcvdTsInUs)
	return b
}

func (m *HelloMsg) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.DomainName)
	b = appendString(b, 2, m.NodeName)
	b = appendString(b, 3, m.IfName)
	b = appendUint64(b, 4, m.SeqNum)
	b = appendUint64(b, 5, uint64(m.Version))
	b = appendBool(b, 6, m.SolicitResponse)
	b = appendBool(b, 7, m.Restarting)
	b = appendInt64(b, 8, m.SentTsInUs)

	// sorted keys keep the encoding deterministic
	names := make([]string, 0, len(m.NeighborInfos))
	for name := range m.NeighborInfos {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := m.NeighborInfos[name]
		var entry []byte
		entry = appendString(entry, 1, name)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, info.marshal())
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func (m *HandshakeMsg) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.NodeName)
	b = appendBool(b, 2, m.IsAdjEstablished)
	b = appendInt64(b, 3, m.HoldTime)
	b = appendInt64(b, 4, m.GracefulRestartTime)
	b = appendAddr(b, 5, m.TransportAddressV6)
	b = appendAddr(b, 6, m.TransportAddressV4)
	b = appendInt64(b, 7, int64(m.OpenrCtrlThriftPort))
	b = appendInt64(b, 8, int64(m.KvStoreCmdPort))
	b = appendString(b, 9, m.Area)
	b = appendString(b, 10, m.NeighborNodeName)
	return b
}

func (m *HeartbeatMsg) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.NodeName)
	b = appendUint64(b, 2, m.SeqNum)
	return b
}

// Marshal encodes the envelope, refusing anything the socket would refuse.
func (p *SparkPacket) Marshal() ([]byte, error) {
	variants := 0
	var b []byte
	if p.Hello != nil {
		variants++
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Hello.marshal())
	}
	if p.Handshake != nil {
		variants++
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Handshake.marshal())
	}
	if p.Heartbeat != nil {
		variants++
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Heartbeat.marshal())
	}
	if variants == 0 {
		return nil, ErrEmptyPacket
	}
	if variants > 1 {
		return nil, ErrManyVariants
	}
	if len(b) > state.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(b))
	}
	return b, nil
}

type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.buf = r.buf[n:]
	return num, typ, true
}

func (r *fieldReader) varint() uint64 {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *fieldReader) bytes() []byte {
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.buf = r.buf[n:]
	return v
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.buf = r.buf[n:]
}

func parseAddr(raw []byte) (netip.Addr, error) {
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.Addr{}, fmt.Errorf("bad address length %d", len(raw))
	}
	return addr, nil
}

func unmarshalReflectedInfo(buf []byte) (ReflectedNeighborInfo, error) {
	var info ReflectedNeighborInfo
	r := fieldReader{buf: buf}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			info.SeqNum = r.varint()
		case 2:
			info.LastNbrMsgSentTsInUs = int64(r.varint())
		case 3:
			info.LastMyMsgRcvdTsInUs = int64(r.varint())
		default:
			r.skip(num, typ)
		}
	}
	return info, r.err
}

func unmarshalHello(buf []byte) (*HelloMsg, error) {
	m := &HelloMsg{NeighborInfos: make(map[string]ReflectedNeighborInfo)}
	r := fieldReader{buf: buf}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.DomainName = string(r.bytes())
		case 2:
			m.NodeName = string(r.bytes())
		case 3:
			m.IfName = string(r.bytes())
		case 4:
			m.SeqNum = r.varint()
		case 5:
			m.Version = uint32(r.varint())
		case 6:
			m.SolicitResponse = r.varint() != 0
		case 7:
			m.Restarting = r.varint() != 0
		case 8:
			m.SentTsInUs = int64(r.varint())
		case 9:
			entry := fieldReader{buf: r.bytes()}
			var key string
			var info ReflectedNeighborInfo
			for {
				enum, etyp, ok := entry.next()
				if !ok {
					break
				}
				switch enum {
				case 1:
					key = string(entry.bytes())
				case 2:
					var err error
					info, err = unmarshalReflectedInfo(entry.bytes())
					if err != nil {
						return nil, err
					}
				default:
					entry.skip(enum, etyp)
				}
			}
			if entry.err != nil {
				return nil, entry.err
			}
			m.NeighborInfos[key] = info
		default:
			r.skip(num, typ)
		}
	}
	return m, r.err
}

func unmarshalHandshake(buf []byte) (*HandshakeMsg, error) {
	m := &HandshakeMsg{}
	r := fieldReader{buf: buf}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.NodeName = string(r.bytes())
		case 2:
			m.IsAdjEstablished = r.varint() != 0
		case 3:
			m.HoldTime = int64(r.varint())
		case 4:
			m.GracefulRestartTime = int64(r.varint())
		case 5:
			addr, err := parseAddr(r.bytes())
			if err != nil {
				return nil, fmt.Errorf("transport_address_v6: %w", err)
			}
			m.TransportAddressV6 = addr
		case 6:
			addr, err := parseAddr(r.bytes())
			if err != nil {
				return nil, fmt.Errorf("transport_address_v4: %w", err)
			}
			m.TransportAddressV4 = addr
		case 7:
			m.OpenrCtrlThriftPort = int32(r.varint())
		case 8:
			m.KvStoreCmdPort = int32(r.varint())
		case 9:
			m.Area = string(r.bytes())
		case 10:
			m.NeighborNodeName = string(r.bytes())
		default:
			r.skip(num, typ)
		}
	}
	return m, r.err
}

func unmarshalHeartbeat(buf []byte) (*HeartbeatMsg, error) {
	m := &HeartbeatMsg{}
	r := fieldReader{buf: buf}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.NodeName = string(r.bytes())
		case 2:
			m.SeqNum = r.varint()
		default:
			r.skip(num, typ)
		}
	}
	return m, r.err
}

// Unmarshal decodes one envelope. Oversize input is rejected before any
// parsing, mirroring the socket contract.
func Unmarshal(buf []byte) (*SparkPacket, error) {
	if len(buf) > state.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(buf))
	}
	p := &SparkPacket{}
	variants := 0
	r := fieldReader{buf: buf}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			hello, err := unmarshalHello(r.bytes())
			if err != nil {
				return nil, err
			}
			p.Hello = hello
			variants++
		case 2:
			handshake, err := unmarshalHandshake(r.bytes())
			if err != nil {
				return nil, err
			}
			p.Handshake = handshake
			variants++
		case 3:
			heartbeat, err := unmarshalHeartbeat(r.bytes())
			if err != nil {
				return nil, err
			}
			p.Heartbeat = heartbeat
			variants++
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if variants == 0 {
		return nil, ErrEmptyPacket
	}
	if variants > 1 {
		return nil, ErrManyVariants
	}
	return p, nil
}
