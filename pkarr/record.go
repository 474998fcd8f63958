// Package pkarr resolves, publishes, and republishes a user's _pubky
// record: the signed, DHT-addressed pointer from a user's public key to
// their current homeserver.
package pkarr

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Record is the decoded content of a user's _pubky record: which
// homeserver currently hosts them, and on what ports.
type Record struct {
	Target crypto.PublicKey
	Ports  []uint16
}

// EncodeValue serializes a Record to the bytes carried as the mutable
// item's value: target(32) || portCount(1) || ports(2 BE each).
func (r Record) EncodeValue() []byte {
	buf := make([]byte, 0, crypto.PublicKeySize+1+2*len(r.Ports))
	buf = append(buf, r.Target.Bytes()...)
	buf = append(buf, byte(len(r.Ports)))
	for _, p := range r.Ports {
		var pb [2]byte
		binary.BigEndian.PutUint16(pb[:], p)
		buf = append(buf, pb[:]...)
	}
	return buf
}

// DecodeRecord parses the value produced by EncodeValue.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < crypto.PublicKeySize+1 {
		return Record{}, pkgerr.New(pkgerr.KindInvalidInput, "pkarr record value too short")
	}
	target, err := crypto.PublicKeyFromBytes(b[:crypto.PublicKeySize])
	if err != nil {
		return Record{}, pkgerr.Wrap(pkgerr.KindInvalidInput, "malformed pkarr record target", err)
	}
	count := int(b[crypto.PublicKeySize])
	rest := b[crypto.PublicKeySize+1:]
	if len(rest) != 2*count {
		return Record{}, pkgerr.New(pkgerr.KindInvalidInput, "pkarr record port list truncated")
	}
	ports := make([]uint16, count)
	for i := 0; i < count; i++ {
		ports[i] = binary.BigEndian.Uint16(rest[2*i : 2*i+2])
	}
	return Record{Target: target, Ports: ports}, nil
}

// SignedRecord is the mutable DHT item published under an owner's public
// key: BEP44-shaped (owner, sequence number, value, signature), addressed
// by the owner so only the holder of the matching secret can publish an
// update with a higher seq.
type SignedRecord struct {
	Owner     crypto.PublicKey
	Seq       int64
	Value     []byte
	Signature [ed25519.SignatureSize]byte
}

func signable(seq int64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(seq))
	copy(buf[8:], value)
	return buf
}

// SignRecord signs record under kp with the given monotonic sequence
// number. seq must be strictly greater than any previously published value
// for this owner or well-behaved resolvers will discard it as stale.
func SignRecord(kp *crypto.Keypair, seq int64, record Record) *SignedRecord {
	value := record.EncodeValue()
	sig := kp.Sign(signable(seq, value))
	sr := &SignedRecord{Owner: kp.Public(), Seq: seq, Value: value}
	copy(sr.Signature[:], sig)
	return sr
}

// Verify checks the signed record's signature against its claimed owner.
func (sr *SignedRecord) Verify() bool {
	return crypto.Verify(sr.Owner, signable(sr.Seq, sr.Value), sr.Signature[:])
}

// Record decodes the signed record's value, without re-checking the
// signature — callers that obtained sr from a Transport are expected to
// have already verified it there.
func (sr *SignedRecord) Record() (Record, error) {
	return DecodeRecord(sr.Value)
}
