package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"

	"nhbchain/crypto"
)

// ErrShortBuffer is returned when a wire buffer is truncated.
var ErrShortBuffer = errors.New("wire: short buffer")

func putVarBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func getVarBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, ErrShortBuffer
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, ErrShortBuffer
		}
	}
	return out, nil
}

func putAddr(buf *bytes.Buffer, addr net.TCPAddr) {
	ip := addr.IP.To4()
	if ip == nil {
		ip = make(net.IP, 4)
	}
	buf.Write(ip)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], uint16(addr.Port))
	buf.Write(portBuf[:])
}

func getAddr(r *bytes.Reader) (net.TCPAddr, error) {
	ip := make([]byte, 4)
	if _, err := r.Read(ip); err != nil {
		return net.TCPAddr{}, ErrShortBuffer
	}
	var portBuf [2]byte
	if _, err := r.Read(portBuf[:]); err != nil {
		return net.TCPAddr{}, ErrShortBuffer
	}
	return net.TCPAddr{IP: net.IP(ip), Port: int(binary.LittleEndian.Uint16(portBuf[:]))}, nil
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func getInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, ErrShortBuffer
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// MarshalPing produces the canonical length-prefixed encoding of a Ping.
func MarshalPing(p Ping) []byte {
	buf := &bytes.Buffer{}
	buf.Write(p.Collateral.Marshal())
	buf.Write(p.BlockHash[:])
	putInt64(buf, p.SigTime)
	putVarBytes(buf, p.Sig)
	return buf.Bytes()
}

// UnmarshalPing parses the encoding produced by MarshalPing.
func UnmarshalPing(b []byte) (Ping, error) {
	if len(b) < 36+32 {
		return Ping{}, ErrShortBuffer
	}
	op, err := UnmarshalOutpoint(b[:36])
	if err != nil {
		return Ping{}, err
	}
	var blockHash Hash256
	copy(blockHash[:], b[36:68])
	r := bytes.NewReader(b[68:])
	sigTime, err := getInt64(r)
	if err != nil {
		return Ping{}, err
	}
	sig, err := getVarBytes(r)
	if err != nil {
		return Ping{}, err
	}
	return Ping{Collateral: op, BlockHash: blockHash, SigTime: sigTime, Sig: sig}, nil
}

// MarshalAnnounce produces the canonical length-prefixed encoding of an
// Announce, including an embedded LastPing when present.
func MarshalAnnounce(a Announce) []byte {
	buf := &bytes.Buffer{}
	buf.Write(a.Collateral.Marshal())
	putAddr(buf, a.NetAddr)
	putVarBytes(buf, pubKeyBytes(a.CollateralPubKey))
	putVarBytes(buf, pubKeyBytes(a.ServicePubKey))
	putUint32(buf, a.ProtocolVersion)
	putInt64(buf, a.SigTime)
	putVarBytes(buf, a.BroadcastSig)
	if a.LastPing != nil {
		buf.WriteByte(1)
		putVarBytes(buf, MarshalPing(*a.LastPing))
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// UnmarshalAnnounce parses the encoding produced by MarshalAnnounce.
func UnmarshalAnnounce(b []byte) (Announce, error) {
	if len(b) < 36 {
		return Announce{}, ErrShortBuffer
	}
	op, err := UnmarshalOutpoint(b[:36])
	if err != nil {
		return Announce{}, err
	}
	r := bytes.NewReader(b[36:])
	addr, err := getAddr(r)
	if err != nil {
		return Announce{}, err
	}
	collatPubBytes, err := getVarBytes(r)
	if err != nil {
		return Announce{}, err
	}
	svcPubBytes, err := getVarBytes(r)
	if err != nil {
		return Announce{}, err
	}
	protoVer, err := getUint32(r)
	if err != nil {
		return Announce{}, err
	}
	sigTime, err := getInt64(r)
	if err != nil {
		return Announce{}, err
	}
	sig, err := getVarBytes(r)
	if err != nil {
		return Announce{}, err
	}
	hasPing, err := r.ReadByte()
	if err != nil {
		return Announce{}, ErrShortBuffer
	}
	var lastPing *Ping
	if hasPing == 1 {
		pingBytes, err := getVarBytes(r)
		if err != nil {
			return Announce{}, err
		}
		p, err := UnmarshalPing(pingBytes)
		if err != nil {
			return Announce{}, err
		}
		lastPing = &p
	}
	collatPub, err := parsePubKey(collatPubBytes)
	if err != nil {
		return Announce{}, err
	}
	svcPub, err := parsePubKey(svcPubBytes)
	if err != nil {
		return Announce{}, err
	}
	return Announce{
		Collateral:       op,
		NetAddr:          addr,
		CollateralPubKey: collatPub,
		ServicePubKey:    svcPub,
		ProtocolVersion:  protoVer,
		SigTime:          sigTime,
		BroadcastSig:     sig,
		LastPing:         lastPing,
	}, nil
}

// MarshalPaymentVote produces the canonical encoding of a PaymentVote.
func MarshalPaymentVote(v PaymentVote) []byte {
	buf := &bytes.Buffer{}
	buf.Write(v.VoterOutpoint.Marshal())
	putUint32(buf, v.BlockHeight)
	putVarBytes(buf, v.PayeeScript)
	putVarBytes(buf, v.Sig)
	return buf.Bytes()
}

// UnmarshalPaymentVote parses the encoding produced by MarshalPaymentVote.
func UnmarshalPaymentVote(b []byte) (PaymentVote, error) {
	if len(b) < 36 {
		return PaymentVote{}, ErrShortBuffer
	}
	op, err := UnmarshalOutpoint(b[:36])
	if err != nil {
		return PaymentVote{}, err
	}
	r := bytes.NewReader(b[36:])
	height, err := getUint32(r)
	if err != nil {
		return PaymentVote{}, err
	}
	script, err := getVarBytes(r)
	if err != nil {
		return PaymentVote{}, err
	}
	sig, err := getVarBytes(r)
	if err != nil {
		return PaymentVote{}, err
	}
	return PaymentVote{VoterOutpoint: op, BlockHeight: height, PayeeScript: script, Sig: sig}, nil
}

// MarshalVerify produces the canonical encoding of a Verify message.
func MarshalVerify(v Verify) []byte {
	buf := &bytes.Buffer{}
	putAddr(buf, v.Addr)
	putUint64(buf, v.Nonce)
	putUint32(buf, v.BlockHeight)
	putVarBytes(buf, v.ReplierSig)
	buf.Write(v.ReplierVin.Marshal())
	buf.Write(v.RequesterVin.Marshal())
	putVarBytes(buf, v.RequesterSig)
	return buf.Bytes()
}

// UnmarshalVerify parses the encoding produced by MarshalVerify.
func UnmarshalVerify(b []byte) (Verify, error) {
	r := bytes.NewReader(b)
	addr, err := getAddr(r)
	if err != nil {
		return Verify{}, err
	}
	nonce, err := getUint64(r)
	if err != nil {
		return Verify{}, err
	}
	height, err := getUint32(r)
	if err != nil {
		return Verify{}, err
	}
	replierSig, err := getVarBytes(r)
	if err != nil {
		return Verify{}, err
	}
	replierVinBytes := make([]byte, 36)
	if _, err := r.Read(replierVinBytes); err != nil {
		return Verify{}, ErrShortBuffer
	}
	replierVin, err := UnmarshalOutpoint(replierVinBytes)
	if err != nil {
		return Verify{}, err
	}
	requesterVinBytes := make([]byte, 36)
	if _, err := r.Read(requesterVinBytes); err != nil {
		return Verify{}, ErrShortBuffer
	}
	requesterVin, err := UnmarshalOutpoint(requesterVinBytes)
	if err != nil {
		return Verify{}, err
	}
	requesterSig, err := getVarBytes(r)
	if err != nil {
		return Verify{}, err
	}
	return Verify{
		Addr:         addr,
		Nonce:        nonce,
		BlockHeight:  height,
		ReplierSig:   replierSig,
		ReplierVin:   replierVin,
		RequesterVin: requesterVin,
		RequesterSig: requesterSig,
	}, nil
}

// MarshalNodeEntry produces the canonical encoding of a NodeEntry, used by
// the storage package to persist the registry across restarts (§6).
func MarshalNodeEntry(e NodeEntry) []byte {
	buf := &bytes.Buffer{}
	buf.Write(e.Collateral.Marshal())
	putAddr(buf, e.NetAddr)
	putVarBytes(buf, pubKeyBytes(e.CollateralPubKey))
	putVarBytes(buf, pubKeyBytes(e.ServicePubKey))
	putUint32(buf, e.ProtocolVersion)
	putInt64(buf, e.SigTime)
	putVarBytes(buf, e.BroadcastSig)
	if e.LastPing != nil {
		buf.WriteByte(1)
		putVarBytes(buf, MarshalPing(*e.LastPing))
	} else {
		buf.WriteByte(0)
	}
	putUint32(buf, uint32(e.LifecycleState))
	putInt64(buf, int64(e.PoSeScore))
	putUint32(buf, e.PoSeBanHeight)
	putUint32(buf, e.CachedCollateralAge)
	putUint32(buf, e.CachedLastPaidBlock)
	putInt64(buf, e.CachedLastPaidTime)
	putUint32(buf, uint32(len(e.LastPoSeVerifiedBy)))
	for op := range e.LastPoSeVerifiedBy {
		buf.Write(op.Marshal())
	}
	return buf.Bytes()
}

// UnmarshalNodeEntry parses the encoding produced by MarshalNodeEntry.
func UnmarshalNodeEntry(b []byte) (NodeEntry, error) {
	if len(b) < 36 {
		return NodeEntry{}, ErrShortBuffer
	}
	op, err := UnmarshalOutpoint(b[:36])
	if err != nil {
		return NodeEntry{}, err
	}
	r := bytes.NewReader(b[36:])
	addr, err := getAddr(r)
	if err != nil {
		return NodeEntry{}, err
	}
	collatPubBytes, err := getVarBytes(r)
	if err != nil {
		return NodeEntry{}, err
	}
	svcPubBytes, err := getVarBytes(r)
	if err != nil {
		return NodeEntry{}, err
	}
	protoVer, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	sigTime, err := getInt64(r)
	if err != nil {
		return NodeEntry{}, err
	}
	sig, err := getVarBytes(r)
	if err != nil {
		return NodeEntry{}, err
	}
	hasPing, err := r.ReadByte()
	if err != nil {
		return NodeEntry{}, ErrShortBuffer
	}
	var lastPing *Ping
	if hasPing == 1 {
		pingBytes, err := getVarBytes(r)
		if err != nil {
			return NodeEntry{}, err
		}
		p, err := UnmarshalPing(pingBytes)
		if err != nil {
			return NodeEntry{}, err
		}
		lastPing = &p
	}
	lifecycleRaw, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	poseScoreRaw, err := getInt64(r)
	if err != nil {
		return NodeEntry{}, err
	}
	poseBanHeight, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	collatAge, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	lastPaidBlock, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	lastPaidTime, err := getInt64(r)
	if err != nil {
		return NodeEntry{}, err
	}
	verifierCount, err := getUint32(r)
	if err != nil {
		return NodeEntry{}, err
	}
	verifiedBy := make(map[Outpoint]struct{}, verifierCount)
	for i := uint32(0); i < verifierCount; i++ {
		vinBytes := make([]byte, 36)
		if _, err := r.Read(vinBytes); err != nil {
			return NodeEntry{}, ErrShortBuffer
		}
		vin, err := UnmarshalOutpoint(vinBytes)
		if err != nil {
			return NodeEntry{}, err
		}
		verifiedBy[vin] = struct{}{}
	}
	collatPub, err := parsePubKey(collatPubBytes)
	if err != nil {
		return NodeEntry{}, err
	}
	svcPub, err := parsePubKey(svcPubBytes)
	if err != nil {
		return NodeEntry{}, err
	}
	return NodeEntry{
		Collateral:          op,
		NetAddr:              addr,
		CollateralPubKey:     collatPub,
		ServicePubKey:        svcPub,
		ProtocolVersion:      protoVer,
		SigTime:              sigTime,
		BroadcastSig:         sig,
		LastPing:             lastPing,
		LifecycleState:       LifecycleState(lifecycleRaw),
		PoSeScore:            int16(poseScoreRaw),
		PoSeBanHeight:        poseBanHeight,
		CachedCollateralAge:  collatAge,
		CachedLastPaidBlock:  lastPaidBlock,
		CachedLastPaidTime:   lastPaidTime,
		LastPoSeVerifiedBy:   verifiedBy,
	}, nil
}

func pubKeyBytes(k *crypto.PublicKey) []byte {
	if k == nil {
		return nil
	}
	return k.Bytes()
}

func parsePubKey(b []byte) (*crypto.PublicKey, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return crypto.PublicKeyFromBytes(b)
}
