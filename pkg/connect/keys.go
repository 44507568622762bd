package connect

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/philipp3923/rdrop/pkg/client"
)

// Key-schedule labels. The two info strings keep the derived key streams
// role-distinguished: the initiator writes with the "ab" key, the responder
// with the "ba" key.
const (
	kdfInfoAB = "rdrop/1 stream ab"
	kdfInfoBA = "rdrop/1 stream ba"
)

// exchangeKeys generates an ephemeral X25519 keypair, swaps public keys over
// the plaintext client, and derives the two directional session keys. Keys
// live only for this connection; identity is the fingerprint, compared
// out-of-band.
func (p *PlainConnection) exchangeKeys(role Role) (client.SessionKeys, string, string, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return client.SessionKeys{}, "", "", &client.Error{Kind: client.KindSecurity, Op: "keygen", Err: err}
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return client.SessionKeys{}, "", "", &client.Error{Kind: client.KindSecurity, Op: "keygen", Err: err}
	}

	if err := p.udp.Send(pub); err != nil {
		return client.SessionKeys{}, "", "", err
	}
	peerPub, err := p.udp.RecvTimeout(p.cfg.SendBudget)
	if err != nil {
		return client.SessionKeys{}, "", "", err
	}
	if len(peerPub) != 32 {
		return client.SessionKeys{}, "", "", &client.Error{Kind: client.KindSecurity, Op: "key exchange"}
	}

	shared, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return client.SessionKeys{}, "", "", &client.Error{Kind: client.KindSecurity, Op: "key exchange", Err: err}
	}

	// Salt binds the keys to this particular pairing, ordered by role so
	// both sides derive identical streams.
	var initiatorPub, responderPub []byte
	if role == Initiator {
		initiatorPub, responderPub = pub, peerPub
	} else {
		initiatorPub, responderPub = peerPub, pub
	}
	salt := sha256.New()
	salt.Write(initiatorPub)
	salt.Write(responderPub)

	keyAB, err := deriveKey(shared, salt.Sum(nil), kdfInfoAB)
	if err != nil {
		return client.SessionKeys{}, "", "", err
	}
	keyBA, err := deriveKey(shared, salt.Sum(nil), kdfInfoBA)
	if err != nil {
		return client.SessionKeys{}, "", "", err
	}

	var keys client.SessionKeys
	if role == Initiator {
		keys = client.InitiatorKeys(keyAB, keyBA)
	} else {
		keys = client.ResponderKeys(keyAB, keyBA)
	}
	return keys, fingerprint(pub), fingerprint(peerPub), nil
}

func deriveKey(secret, salt []byte, info string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, &client.Error{Kind: client.KindSecurity, Op: "key derivation", Err: err}
	}
	return key, nil
}

// fingerprint is the short public-key digest users compare out-of-band.
func fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
